package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/merkle"
	"github.com/citeledger/citeledger/internal/record"
	"github.com/citeledger/citeledger/pkg/client"
	"github.com/citeledger/citeledger/pkg/docref"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped through -ldflags on release builds.
var version = "dev"

var (
	serverURL string
	keyFile   string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "citeledger",
	Short: "citeledger commits bibliographic fingerprints to a ledger and verifies them",
	Long: `citeledger is the command-line interface for the citeledger registrar.

It computes compact fingerprints over bibliographic records (and optional
full text), commits them to the configured service, and later proves that
a claimed record matches what was committed.

Documents are named by reference: a decimal id, doi:<doi>, or
triple:<title>|<authors ; separated>|<date>.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".citeledger"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("CITELEDGER")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if keyFile == "" {
			keyFile = viper.GetString("key_file")
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.citeledger/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "registrar base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "ed25519 signing key in PKCS#8 PEM form")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "JWT bearer token (alternative to --key-file)")

	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(retractCmd)
	rootCmd.AddCommand(unretractCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds the SDK client from the persistent credential flags.
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if keyFile != "" {
		opts = append(opts, client.WithKeyFile(keyFile))
	}
	if authToken != "" {
		opts = append(opts, client.WithToken(authToken))
	}
	return client.New(serverURL, opts...)
}

// recordFlags is the shared set of bibliographic field flags.
type recordFlags struct {
	doi      string
	title    string
	authors  []string
	date     string
	journal  string
	abstract string
}

func (f *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.doi, "doi", "", "DOI of the document")
	cmd.Flags().StringVar(&f.title, "title", "", "Document title")
	cmd.Flags().StringArrayVar(&f.authors, "author", nil, "Author, repeatable and in order")
	cmd.Flags().StringVar(&f.date, "date", "", "Publication date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.journal, "journal", "", "Journal or venue")
	cmd.Flags().StringVar(&f.abstract, "abstract", "", "Abstract text")
}

func (f *recordFlags) wire() client.Record {
	return client.Record{
		DOI:      f.doi,
		Title:    f.title,
		Authors:  f.authors,
		Date:     f.date,
		Journal:  f.journal,
		Abstract: f.abstract,
	}
}

func (f *recordFlags) metadata() *record.MetadataRecord {
	return &record.MetadataRecord{
		DOI:      f.doi,
		Title:    f.title,
		Authors:  f.authors,
		Date:     f.date,
		Journal:  f.journal,
		Abstract: f.abstract,
	}
}

// readTextFile loads the optional full text. An empty path means no full
// text, which is a valid registration.
func readTextFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read full text: %w", err)
	}
	return string(b), nil
}

func printFingerprint(indent string, fp client.Fingerprint) {
	fmt.Printf("%sHashed Identity: %s\n", indent, fp.HashedIdentity)
	fmt.Printf("%sHashed Triple:   %s\n", indent, fp.HashedTriple)
	fmt.Printf("%sMetadata Root:   %s\n", indent, fp.MetadataRoot)
	fmt.Printf("%sFulltext Root:   %s\n", indent, fp.FulltextRoot)
}

// ── fingerprint ──────────────────────────────────────────────────────────────

var (
	fpRecord    recordFlags
	fpTextFile  string
	fpChunkSize int
	fpDigest    string
	fpMode      string
	fpFormat    string
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compute a document fingerprint locally, without a server",
	Long: `fingerprint computes the four committed roots for a record offline.

The digest and mode must match the target deployment for the roots to be
comparable; ask the server with "citeledger info" when unsure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hasher, err := merkle.NewHasher(fpDigest)
		if err != nil {
			return err
		}
		mode, err := fingerprint.ParseMode(fpMode)
		if err != nil {
			return err
		}
		text, err := readTextFile(fpTextFile)
		if err != nil {
			return err
		}

		p := fingerprint.New(hasher, mode)
		fpr, err := p.Compute(fpRecord.metadata(), text, fpChunkSize)
		if err != nil {
			return err
		}
		wire := fpr.Wire()

		if fpFormat == "json" {
			out := struct {
				fingerprint.Wire
				CheckedFields []string `json:"checked_fields"`
				Digest        string   `json:"digest"`
				Mode          string   `json:"mode"`
			}{wire, p.CheckedFields(), hasher.Algo(), string(mode)}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		printFingerprint("", client.Fingerprint(wire))
		fmt.Printf("Checked Fields:  %s\n", strings.Join(p.CheckedFields(), ", "))
		fmt.Printf("Digest:          %s, mode %s\n", hasher.Algo(), mode)
		return nil
	},
}

func init() {
	fpRecord.register(fingerprintCmd)
	fingerprintCmd.Flags().StringVar(&fpTextFile, "text-file", "", "File holding the document full text")
	fingerprintCmd.Flags().IntVar(&fpChunkSize, "chunk-size", 0, "Fulltext chunk size in bytes (0 = default)")
	fingerprintCmd.Flags().StringVar(&fpDigest, "digest", "", "Digest algorithm: sha256, keccak256 or blake3-256 (default sha256)")
	fingerprintCmd.Flags().StringVar(&fpMode, "mode", "full", "Metadata mode: full or minimal")
	fingerprintCmd.Flags().StringVar(&fpFormat, "format", "text", "Output format: text or json")
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regRecord    recordFlags
	regTextFile  string
	regChunkSize int
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Commit a document's fingerprint to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		text, err := readTextFile(regTextFile)
		if err != nil {
			return err
		}

		res, err := c.Register(context.Background(), client.RegisterRequest{
			Record:    regRecord.wire(),
			FullText:  text,
			ChunkSize: regChunkSize,
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		if res.DryRun {
			color.Yellow("dry run: the server has no signing capability, nothing was committed")
			fmt.Println()
			printFingerprint("  ", res.Fingerprint)
			return nil
		}

		color.Green("✓ Document registered")
		fmt.Println()
		fmt.Printf("  ID:     %d\n", res.DocumentID)
		fmt.Printf("  Tx Ref: %s\n", res.TxRef)
		printFingerprint("  ", res.Fingerprint)
		fmt.Printf("  Checked Fields:  %s\n", strings.Join(res.CheckedFields, ", "))
		return nil
	},
}

func init() {
	regRecord.register(registerCmd)
	registerCmd.Flags().StringVar(&regTextFile, "text-file", "", "File holding the document full text")
	registerCmd.Flags().IntVar(&regChunkSize, "chunk-size", 0, "Fulltext chunk size in bytes (0 = server default)")
}

// ── retract / unretract ──────────────────────────────────────────────────────

var retractCmd = &cobra.Command{
	Use:   "retract <ref>",
	Short: "Mark a document as retracted",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRetraction(args[0], true) },
}

var unretractCmd = &cobra.Command{
	Use:   "unretract <ref>",
	Short: "Clear a document's retraction flag",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRetraction(args[0], false) },
}

func setRetraction(ref string, retract bool) error {
	if _, err := docref.Parse(ref); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.SetRetraction(context.Background(), ref, retract)
	if err != nil {
		return err
	}
	if res.Retracted {
		color.Red("✗ Document %d is retracted", res.DocumentID)
	} else {
		color.Green("✓ Document %d is active", res.DocumentID)
	}
	fmt.Printf("  Tx Ref: %s\n", res.TxRef)
	return nil
}

// ── edit ─────────────────────────────────────────────────────────────────────

var (
	editOldRef    string
	editRecord    recordFlags
	editTextFile  string
	editChunkSize int
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Replace a document: retract the old one and register the new content",
	Long: `edit retracts the document named by --ref and registers the given
record as a fresh document. The two are linked only by the transaction
references this command prints, so keep them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := docref.Parse(editOldRef); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		text, err := readTextFile(editTextFile)
		if err != nil {
			return err
		}

		res, err := c.Edit(context.Background(), client.EditRequest{
			OldRef:    editOldRef,
			Record:    editRecord.wire(),
			FullText:  text,
			ChunkSize: editChunkSize,
		})
		if err != nil {
			return fmt.Errorf("edit: %w", err)
		}

		color.Green("✓ Document replaced")
		fmt.Println()
		fmt.Printf("  Old ID: %d\n", res.OldDocumentID)
		fmt.Printf("  New ID: %d\n", res.NewDocumentID)
		if res.RetractionRef == client.SkippedAlreadyRetracted {
			fmt.Printf("  Retraction:   skipped, the old document was already retracted\n")
		} else {
			fmt.Printf("  Retraction:   %s\n", res.RetractionRef)
		}
		fmt.Printf("  Registration: %s\n", res.RegistrationRef)
		return nil
	},
}

func init() {
	editCmd.Flags().StringVar(&editOldRef, "ref", "", "Reference of the document being replaced")
	editRecord.register(editCmd)
	editCmd.Flags().StringVar(&editTextFile, "text-file", "", "File holding the replacement full text")
	editCmd.Flags().IntVar(&editChunkSize, "chunk-size", 0, "Fulltext chunk size in bytes (0 = server default)")

	_ = editCmd.MarkFlagRequired("ref")
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status <ref>",
	Short: "Report whether a document is registered and whether it is retracted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := docref.Parse(args[0]); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Status(context.Background(), args[0])
		if err != nil {
			return err
		}
		if res.Retracted {
			color.Red("✗ Document %d is retracted", res.DocumentID)
		} else {
			color.Green("✓ Document %d is active", res.DocumentID)
		}
		return nil
	},
}

// ── validate ─────────────────────────────────────────────────────────────────

var (
	valRef       string
	valRecord    recordFlags
	valTextFile  string
	valChunkSize int
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check local content against the committed roots",
	Long: `validate recomputes the fingerprint of the given record and full text
and compares it against what the ledger holds. Pass --ref to name the
document explicitly; without it the record resolves itself.

The exit status is nonzero when any checked root mismatches, so the
command can gate pipelines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if valRef != "" {
			if _, err := docref.Parse(valRef); err != nil {
				return err
			}
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		text, err := readTextFile(valTextFile)
		if err != nil {
			return err
		}

		res, err := c.Validate(context.Background(), client.ValidateRequest{
			Ref:       valRef,
			Record:    valRecord.wire(),
			FullText:  text,
			ChunkSize: valChunkSize,
		})
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		fmt.Printf("Document %d, checked fields: %s\n\n",
			res.DocumentID, strings.Join(res.CheckedFields, ", "))
		if res.MetadataMatch {
			color.Green("✓ metadata root matches")
		} else {
			color.Red("✗ metadata root MISMATCH")
			fmt.Printf("    local:  %s\n", res.Local.MetadataRoot)
			fmt.Printf("    stored: %s\n", res.Stored.MetadataRoot)
		}
		if res.FulltextMatch {
			color.Green("✓ fulltext root matches")
		} else {
			color.Red("✗ fulltext root MISMATCH")
			fmt.Printf("    local:  %s\n", res.Local.FulltextRoot)
			fmt.Printf("    stored: %s\n", res.Stored.FulltextRoot)
		}
		if res.Retracted {
			color.Yellow("! the document is marked retracted")
		}

		if !res.MetadataMatch || !res.FulltextMatch {
			return fmt.Errorf("content does not match the committed fingerprint")
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&valRef, "ref", "", "Reference of the document to check against")
	valRecord.register(validateCmd)
	validateCmd.Flags().StringVar(&valTextFile, "text-file", "", "File holding the full text to check")
	validateCmd.Flags().IntVar(&valChunkSize, "chunk-size", 0, "Fulltext chunk size in bytes (0 = server default)")
}

// ── ops ──────────────────────────────────────────────────────────────────────

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the operations the connected ledger node advertises",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ops, err := c.Operations(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINPUTS\tREAD-ONLY")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s\t%v\n", op.Name, strings.Join(op.Inputs, ","), op.ReadOnly)
		}
		return w.Flush()
	},
}

// ── keygen ───────────────────────────────────────────────────────────────────

var (
	keygenOut   string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 signing key and print its principal",
	Long: `keygen writes a fresh ed25519 key in PKCS#8 PEM form and prints the
principal string a deployment grants the registrar capability to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := keygenOut
		if out == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			out = filepath.Join(home, ".citeledger", "key.pem")
		}
		if !keygenForce {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists, pass --force to overwrite", out)
			}
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return err
		}

		pub, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		if err := client.SaveKeyFile(out, key); err != nil {
			return err
		}

		color.Green("✓ Key written to %s", out)
		fmt.Printf("  Principal: %s\n", client.Principal(pub))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "Output path (default ~/.citeledger/key.pem)")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key file")
}

// ── info ─────────────────────────────────────────────────────────────────────

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the server's identity banner and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		ctx := context.Background()

		banner, err := c.ServiceInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Service: %s %s\n", banner.Service, banner.Version)
		fmt.Printf("Mode:    %s\n", banner.Mode)
		fmt.Printf("Digest:  %s\n", banner.Digest)

		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if h.Status == "ok" {
			color.Green("Health:  ok")
		} else {
			color.Red("Health:  %s", h.Status)
		}
		for name, state := range h.Probes {
			fmt.Printf("  %s: %s\n", name, state)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("citeledger %s\n", version)
	},
}
