// Package fingerprint derives the four-hash commitment for a bibliographic
// record: identity (DOI), the title/authors/date triple, the metadata root,
// and the full-text root. A fingerprint is a pure function of its inputs
// and is recomputed fresh on every call; bit-identical inputs always yield
// bit-identical fingerprints.
package fingerprint

import (
	"fmt"

	"github.com/citeledger/citeledger/internal/canonical"
	"github.com/citeledger/citeledger/internal/merkle"
	"github.com/citeledger/citeledger/internal/record"
)

// Mode selects how the metadata root is built. The two modes are not
// root-compatible: a deployment picks one and keeps it for register and
// validate alike.
type Mode string

const (
	// ModeFull commits all six metadata fields as canonical JSON leaves.
	ModeFull Mode = "full"
	// ModeMinimal commits only the identity fields (doi, title, authors,
	// date) in a fixed four-node shape, for deployments that predate the
	// six-field leaves.
	ModeMinimal Mode = "minimal"
)

// ParseMode validates a mode name from configuration. Empty selects
// ModeFull.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeMinimal:
		return ModeMinimal, nil
	default:
		return "", fmt.Errorf("unknown metadata mode %q", s)
	}
}

// Fingerprint is the commitment tuple submitted to and compared against
// the ledger.
type Fingerprint struct {
	HashedIdentity merkle.Hash
	HashedTriple   merkle.Hash
	MetadataRoot   merkle.Hash
	FulltextRoot   merkle.Hash
}

// Wire is the JSON rendering of a fingerprint: each hash as 0x-prefixed
// lowercase hex.
type Wire struct {
	HashedIdentity string `json:"hashed_identity"`
	HashedTriple   string `json:"hashed_triple"`
	MetadataRoot   string `json:"metadata_root"`
	FulltextRoot   string `json:"fulltext_root"`
}

// Wire renders the fingerprint for the API surface.
func (f Fingerprint) Wire() Wire {
	return Wire{
		HashedIdentity: f.HashedIdentity.Hex(),
		HashedTriple:   f.HashedTriple.Hex(),
		MetadataRoot:   f.MetadataRoot.Hex(),
		FulltextRoot:   f.FulltextRoot.Hex(),
	}
}

// Fingerprinter computes fingerprints under one digest and one metadata
// mode. It is stateless and safe for concurrent use.
type Fingerprinter struct {
	hasher merkle.Hasher
	mode   Mode
}

// New returns a Fingerprinter bound to the given hasher and mode.
func New(hasher merkle.Hasher, mode Mode) Fingerprinter {
	return Fingerprinter{hasher: hasher, mode: mode}
}

// Hasher exposes the underlying hasher for collaborators that derive
// additional hashes (capability identifiers, chunk proofs).
func (p Fingerprinter) Hasher() merkle.Hasher { return p.hasher }

// Mode returns the configured metadata mode.
func (p Fingerprinter) Mode() Mode { return p.mode }

// CheckedFields returns the field names committed into the metadata root
// under the configured mode, in leaf order. Reported on the wire so two
// deployments in different modes are distinguishable by inspection.
func (p Fingerprinter) CheckedFields() []string {
	switch p.mode {
	case ModeMinimal:
		return []string{record.FieldDOI, record.FieldTitle, record.FieldAuthors, record.FieldDate}
	default:
		return []string{
			record.FieldDOI, record.FieldTitle, record.FieldAuthors,
			record.FieldDate, record.FieldJournal, record.FieldAbstract,
		}
	}
}

// Compute derives the full fingerprint. The date is the single validated
// input (record.ErrInvalidDate); in ModeFull every metadata field must be
// present and non-empty (record.ErrMissingField). Everything else
// canonicalizes total-function-style.
func (p Fingerprinter) Compute(rec *record.MetadataRecord, fullText string, chunkSize int) (Fingerprint, error) {
	if rec == nil {
		rec = &record.MetadataRecord{}
	}

	identity := p.HashedIdentity(rec.DOI)

	titleAuthors, date, err := p.titleAuthorsAndDate(rec)
	if err != nil {
		return Fingerprint{}, err
	}
	dateLeaf := p.hasher.Leaf(canonical.NormalizeField(date, false))
	triple := p.hasher.Node(titleAuthors, dateLeaf)

	var metadataRoot merkle.Hash
	switch p.mode {
	case ModeMinimal:
		metadataRoot = p.hasher.Node(titleAuthors, p.hasher.Node(identity, dateLeaf))
	default:
		metadataRoot, err = p.fullMetadataRoot(rec, date)
		if err != nil {
			return Fingerprint{}, err
		}
	}

	fulltextRoot, err := p.FulltextRoot(fullText, chunkSize)
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		HashedIdentity: identity,
		HashedTriple:   triple,
		MetadataRoot:   metadataRoot,
		FulltextRoot:   fulltextRoot,
	}, nil
}

// HashedIdentity computes the identity hash for a DOI alone. Used by the
// resolver when only a DOI is known.
func (p Fingerprinter) HashedIdentity(doi string) merkle.Hash {
	return p.hasher.Leaf(canonical.NormalizeDOI(doi))
}

// HashedTriple computes the title/authors/date hash for a partial record.
// Fails with record.ErrInvalidDate on an unparseable date.
func (p Fingerprinter) HashedTriple(rec *record.MetadataRecord) (merkle.Hash, error) {
	titleAuthors, date, err := p.titleAuthorsAndDate(rec)
	if err != nil {
		return merkle.Hash{}, err
	}
	return p.hasher.Node(titleAuthors, p.hasher.Leaf(canonical.NormalizeField(date, false))), nil
}

// FulltextRoot chunks the UTF-8 text into chunkSize-byte pieces in byte
// order and builds the tree over them. Absent text maps to the reserved
// all-zero sentinel, which no tree can produce; a tree over zero chunks
// never arises here.
func (p Fingerprinter) FulltextRoot(fullText string, chunkSize int) (merkle.Hash, error) {
	size, err := record.NormalizeChunkSize(chunkSize)
	if err != nil {
		return merkle.Hash{}, err
	}
	if len(fullText) == 0 {
		return merkle.Zero, nil
	}
	data := []byte(fullText)
	level0 := make([]merkle.Hash, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := min(i+size, len(data))
		level0 = append(level0, p.hasher.Leaf(data[i:end]))
	}
	root, _ := p.hasher.BuildHashed(level0)
	return root, nil
}

func (p Fingerprinter) titleAuthorsAndDate(rec *record.MetadataRecord) (merkle.Hash, string, error) {
	date, err := record.ISODate(rec.Date)
	if err != nil {
		return merkle.Hash{}, "", err
	}
	authorLeaves := make([][]byte, len(rec.Authors))
	for i, a := range rec.Authors {
		authorLeaves[i] = canonical.NormalizeField(a, false)
	}
	authorsRoot, _ := p.hasher.Build(authorLeaves)
	titleLeaf := p.hasher.Leaf(canonical.NormalizeField(rec.Title, false))
	return p.hasher.Node(titleLeaf, authorsRoot), date, nil
}

// fullMetadataRoot builds the six-field root: one canonical JSON leaf per
// field in declaration order, values normalized at hash time.
func (p Fingerprinter) fullMetadataRoot(rec *record.MetadataRecord, isoDate string) (merkle.Hash, error) {
	leaves := make([][]byte, 0, 6)
	for _, name := range p.CheckedFields() {
		value, _ := rec.FieldValue(name)
		normalized, err := normalizeLeafValue(name, value, isoDate)
		if err != nil {
			return merkle.Hash{}, err
		}
		leaf, err := canonical.JSONLeaf(name, normalized)
		if err != nil {
			return merkle.Hash{}, err
		}
		leaves = append(leaves, leaf)
	}
	root, _ := p.hasher.Build(leaves)
	return root, nil
}

func normalizeLeafValue(name string, value any, isoDate string) (any, error) {
	switch name {
	case record.FieldDOI:
		v := string(canonical.NormalizeDOI(value.(string)))
		if v == "" {
			return nil, missingField(name)
		}
		return v, nil
	case record.FieldAuthors:
		raw := value.([]string)
		authors := make([]string, 0, len(raw))
		for _, a := range raw {
			if n := string(canonical.NormalizeField(a, false)); n != "" {
				authors = append(authors, n)
			}
		}
		if len(authors) == 0 {
			return nil, missingField(name)
		}
		return authors, nil
	case record.FieldDate:
		return isoDate, nil
	default:
		v := string(canonical.NormalizeField(value.(string), false))
		if v == "" {
			return nil, missingField(name)
		}
		return v, nil
	}
}

func missingField(name string) error {
	return fmt.Errorf("%w: %s", record.ErrMissingField, name)
}
