// Package record defines the canonical bibliographic record model and the
// boundary validation that goes with it. Every other component consumes
// this one shape; legacy wire forms are translated by the adapters in
// wire.go before they reach the core.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for boundary validation. Wrapped with context at the
// failure site; match with errors.Is.
var (
	ErrInvalidDate      = errors.New("date is not an ISO calendar date")
	ErrMissingField     = errors.New("required metadata field missing")
	ErrInvalidChunkSize = errors.New("chunk size out of range")
)

// Canonical metadata field names. These are the names committed into
// six-field metadata leaves and reported back as checked_fields.
const (
	FieldDOI      = "doi"
	FieldTitle    = "title"
	FieldAuthors  = "authors"
	FieldDate     = "date"
	FieldJournal  = "journal"
	FieldAbstract = "abstract"
)

// Full-text chunking bounds. A zero chunk size selects the default; values
// outside [MinChunkSize, MaxChunkSize] are rejected at the boundary.
const (
	DefaultChunkSize = 4096
	MinChunkSize     = 1
	MaxChunkSize     = 1_000_000
)

// MetadataRecord is the canonical record shape. All values are stored
// exactly as entered; normalization is applied only at hash time.
// Author order is semantically significant and changes the triple hash.
type MetadataRecord struct {
	DOI      string   `json:"doi"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Date     string   `json:"date"`
	Journal  string   `json:"journal,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
}

// HasDOI reports whether the record carries a usable DOI.
func (r *MetadataRecord) HasDOI() bool {
	return r != nil && strings.TrimSpace(r.DOI) != ""
}

// HasTriple reports whether title, authors, and date are all present, the
// minimum needed to resolve a document through the triple hash.
func (r *MetadataRecord) HasTriple() bool {
	if r == nil || strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Date) == "" {
		return false
	}
	for _, a := range r.Authors {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

// FieldValue returns the raw value for a canonical field name. Authors are
// returned as-is; the bool is false for unknown names.
func (r *MetadataRecord) FieldValue(name string) (any, bool) {
	switch name {
	case FieldDOI:
		return r.DOI, true
	case FieldTitle:
		return r.Title, true
	case FieldAuthors:
		return r.Authors, true
	case FieldDate:
		return r.Date, true
	case FieldJournal:
		return r.Journal, true
	case FieldAbstract:
		return r.Abstract, true
	default:
		return nil, false
	}
}

// ISODate validates and normalizes a calendar date. The accepted form is
// YYYY-MM-DD; anything else fails with ErrInvalidDate. This is the single
// validation point in the hashing path.
func ISODate(s string) (string, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t.Format("2006-01-02"), nil
}

// NormalizeChunkSize applies the default and enforces the valid range.
func NormalizeChunkSize(n int) (int, error) {
	if n == 0 {
		return DefaultChunkSize, nil
	}
	if n < MinChunkSize || n > MaxChunkSize {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidChunkSize, n, MinChunkSize, MaxChunkSize)
	}
	return n, nil
}

// Ref is a partial reference to a registered document: an explicit id, a
// record carrying enough fields to resolve one, or both (the id wins).
type Ref struct {
	ID     uint64
	Record *MetadataRecord
}

// IsEmpty reports whether the reference carries neither an id nor a record.
func (f Ref) IsEmpty() bool { return f.ID == 0 && f.Record == nil }
