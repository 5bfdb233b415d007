package fingerprint_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/merkle"
	"github.com/citeledger/citeledger/internal/record"
)

func newFingerprinter(t *testing.T, mode fingerprint.Mode) fingerprint.Fingerprinter {
	t.Helper()
	h, err := merkle.NewHasher(merkle.AlgoSHA256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return fingerprint.New(h, mode)
}

func sampleRecord() *record.MetadataRecord {
	return &record.MetadataRecord{
		DOI:      "10.1000/xyz123",
		Title:    "On Testing",
		Authors:  []string{"A. Author", "B. Author"},
		Date:     "2024-01-01",
		Journal:  "Journal of Tests",
		Abstract: "We test things.",
	}
}

func TestComputeDeterminism(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	a, err := p.Compute(sampleRecord(), "full text body", 8)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := p.Compute(sampleRecord(), "full text body", 8)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a != b {
		t.Error("identical inputs produced different fingerprints")
	}
}

func TestAuthorOrderChangesTriple(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	ab := sampleRecord()
	ba := sampleRecord()
	ba.Authors = []string{"B. Author", "A. Author"}

	fa, err := p.Compute(ab, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := p.Compute(ba, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fa.HashedTriple == fb.HashedTriple {
		t.Error("author order must change the triple hash")
	}
	if fa.HashedIdentity != fb.HashedIdentity {
		t.Error("author order must not change the identity hash")
	}
}

func TestChunkSizeChangesFulltextRoot(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	text := strings.Repeat("chunked full text. ", 50)

	r8, err := p.FulltextRoot(text, 8)
	if err != nil {
		t.Fatal(err)
	}
	r64, err := p.FulltextRoot(text, 64)
	if err != nil {
		t.Fatal(err)
	}
	if r8 == r64 {
		t.Error("different chunk sizes over long text must produce different roots")
	}
}

func TestAbsentTextIsZeroSentinel(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	root, err := p.FulltextRoot("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsZero() {
		t.Errorf("absent text root = %s, want all-zero sentinel", root.Hex())
	}

	// The sentinel is not the empty-tree root: committing to no text and
	// committing to an empty tree are different statements.
	h := p.Hasher()
	emptyTree, _ := h.Build(nil)
	if root == emptyTree {
		t.Error("absent-text sentinel must differ from the empty-tree root")
	}
}

func TestWhitespaceTextIsNotAbsent(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	root, err := p.FulltextRoot("   ", 0)
	if err != nil {
		t.Fatal(err)
	}
	if root.IsZero() {
		t.Error("whitespace-only text is text, not absence")
	}
}

func TestFulltextRootRejectsBadChunkSize(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	if _, err := p.FulltextRoot("text", -4); !errors.Is(err, record.ErrInvalidChunkSize) {
		t.Errorf("got %v, want ErrInvalidChunkSize", err)
	}
}

func TestComputeInvalidDate(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	rec := sampleRecord()
	rec.Date = "January 1st"
	if _, err := p.Compute(rec, "", 0); !errors.Is(err, record.ErrInvalidDate) {
		t.Errorf("got %v, want ErrInvalidDate", err)
	}
}

func TestComputeMissingFieldInFullMode(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	rec := sampleRecord()
	rec.Journal = "  "
	_, err := p.Compute(rec, "", 0)
	if !errors.Is(err, record.ErrMissingField) {
		t.Fatalf("got %v, want ErrMissingField", err)
	}
	if !strings.Contains(err.Error(), "journal") {
		t.Errorf("error %q does not name the missing field", err)
	}
}

func TestMinimalModeSkipsOptionalFields(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeMinimal)
	rec := sampleRecord()
	rec.Journal = ""
	rec.Abstract = ""
	if _, err := p.Compute(rec, "", 0); err != nil {
		t.Fatalf("minimal mode must not require journal/abstract: %v", err)
	}
}

func TestModesAreNotRootCompatible(t *testing.T) {
	full := newFingerprinter(t, fingerprint.ModeFull)
	minimal := newFingerprinter(t, fingerprint.ModeMinimal)

	ff, err := full.Compute(sampleRecord(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	fm, err := minimal.Compute(sampleRecord(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ff.MetadataRoot == fm.MetadataRoot {
		t.Error("full and minimal metadata roots must differ")
	}
	if ff.HashedIdentity != fm.HashedIdentity || ff.HashedTriple != fm.HashedTriple {
		t.Error("identity and triple hashes are mode-independent")
	}
}

func TestMinimalModeShape(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeMinimal)
	rec := &record.MetadataRecord{
		DOI:     "10.1/x",
		Title:   "T",
		Authors: []string{"A"},
		Date:    "2024-01-01",
	}
	fp, err := p.Compute(rec, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	// metadataRoot = node(titleAuthorsNode, node(hashedIdentity, dateLeaf)).
	h := p.Hasher()
	authorsRoot, _ := h.Build([][]byte{[]byte("A")})
	titleAuthors := h.Node(h.Leaf([]byte("T")), authorsRoot)
	dateLeaf := h.Leaf([]byte("2024-01-01"))
	want := h.Node(titleAuthors, h.Node(p.HashedIdentity("10.1/x"), dateLeaf))
	if fp.MetadataRoot != want {
		t.Errorf("minimal root = %s, want %s", fp.MetadataRoot.Hex(), want.Hex())
	}
	if fp.HashedTriple != h.Node(titleAuthors, dateLeaf) {
		t.Error("triple hash shape mismatch")
	}
}

func TestDOINormalizationReachesIdentity(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	a := p.HashedIdentity("https://doi.org/10.1/ABC")
	b := p.HashedIdentity("DOI:10.1/abc")
	if a != b {
		t.Error("equivalent DOI spellings must share an identity hash")
	}
}

func TestCheckedFields(t *testing.T) {
	full := newFingerprinter(t, fingerprint.ModeFull)
	minimal := newFingerprinter(t, fingerprint.ModeMinimal)
	if got := full.CheckedFields(); len(got) != 6 || got[0] != "doi" || got[5] != "abstract" {
		t.Errorf("full checked fields = %v", got)
	}
	if got := minimal.CheckedFields(); len(got) != 4 || got[3] != "date" {
		t.Errorf("minimal checked fields = %v", got)
	}
}

func TestWireFormat(t *testing.T) {
	p := newFingerprinter(t, fingerprint.ModeFull)
	fp, err := p.Compute(sampleRecord(), "text", 0)
	if err != nil {
		t.Fatal(err)
	}
	w := fp.Wire()
	for name, s := range map[string]string{
		"hashed_identity": w.HashedIdentity,
		"hashed_triple":   w.HashedTriple,
		"metadata_root":   w.MetadataRoot,
		"fulltext_root":   w.FulltextRoot,
	} {
		if !strings.HasPrefix(s, "0x") || len(s) != 66 {
			t.Errorf("%s = %q, want 0x-prefixed 64 hex digits", name, s)
		}
		if s != strings.ToLower(s) {
			t.Errorf("%s = %q, want lowercase hex", name, s)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := fingerprint.ParseMode(""); err != nil || m != fingerprint.ModeFull {
		t.Errorf("ParseMode(\"\") = %v, %v", m, err)
	}
	if m, err := fingerprint.ParseMode("minimal"); err != nil || m != fingerprint.ModeMinimal {
		t.Errorf("ParseMode(minimal) = %v, %v", m, err)
	}
	if _, err := fingerprint.ParseMode("rich"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
