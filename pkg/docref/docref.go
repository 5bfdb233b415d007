// Package docref provides parsing and formatting for document reference
// strings, the compact syntax the CLI and SDK use to name a registered
// document.
//
// Three forms are accepted:
//
//	42                                      (ledger document id)
//	doi:10.1234/widgets.5                   (lookup by DOI)
//	triple:On Widgets|A. One;B. Two|2024-01-05
//	                                        (lookup by title, authors, date)
//
// The id form names a document directly. The doi and triple forms carry
// just enough metadata for the resolver to derive the lookup hash; author
// names in a triple are separated by ";" so that "Last, First" spellings
// survive intact.
package docref

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/citeledger/citeledger/internal/record"
)

const (
	doiPrefix    = "doi:"
	triplePrefix = "triple:"
)

// Parse parses a document reference string into a record.Ref.
//
// Segment whitespace is trimmed; hashing normalizes the values again at
// lookup time, so trimming here never changes which document resolves.
func Parse(raw string) (record.Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return record.Ref{}, fmt.Errorf("empty document reference")
	}

	if doi, ok := strings.CutPrefix(s, doiPrefix); ok {
		doi = strings.TrimSpace(doi)
		if doi == "" {
			return record.Ref{}, fmt.Errorf("reference %q: missing DOI after %q", raw, doiPrefix)
		}
		return record.Ref{Record: &record.MetadataRecord{DOI: doi}}, nil
	}

	if payload, ok := strings.CutPrefix(s, triplePrefix); ok {
		rec, err := parseTriple(payload)
		if err != nil {
			return record.Ref{}, fmt.Errorf("reference %q: %w", raw, err)
		}
		return record.Ref{Record: rec}, nil
	}

	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return record.Ref{}, fmt.Errorf("reference %q is not a document id, %q form or %q form", raw, doiPrefix, triplePrefix)
	}
	if id == 0 {
		return record.Ref{}, fmt.Errorf("document id 0 is reserved")
	}
	return record.Ref{ID: id}, nil
}

// parseTriple parses the "title|author;author|date" payload.
func parseTriple(payload string) (*record.MetadataRecord, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("triple must be title|authors|date, got %d segment(s)", len(parts))
	}

	title := strings.TrimSpace(parts[0])
	if title == "" {
		return nil, fmt.Errorf("triple title must not be empty")
	}

	var authors []string
	for _, a := range strings.Split(parts[1], ";") {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	if len(authors) == 0 {
		return nil, fmt.Errorf("triple must name at least one author")
	}

	date, err := record.ISODate(parts[2])
	if err != nil {
		return nil, err
	}

	return &record.MetadataRecord{Title: title, Authors: authors, Date: date}, nil
}

// Format renders a record.Ref in the canonical reference syntax. An id
// wins over a record when both are set, matching how resolution treats
// the reference.
func Format(ref record.Ref) (string, error) {
	if ref.ID != 0 {
		return strconv.FormatUint(ref.ID, 10), nil
	}
	rec := ref.Record
	if rec == nil {
		return "", fmt.Errorf("reference carries neither an id nor a record")
	}
	if rec.HasDOI() {
		return doiPrefix + rec.DOI, nil
	}
	if !rec.HasTriple() {
		return "", fmt.Errorf("record carries neither a DOI nor a full title/authors/date triple")
	}
	if strings.Contains(rec.Title, "|") {
		return "", fmt.Errorf("title %q cannot be expressed: %q is the segment separator", rec.Title, "|")
	}
	for _, a := range rec.Authors {
		if strings.ContainsAny(a, "|;") {
			return "", fmt.Errorf("author %q cannot be expressed: contains a separator character", a)
		}
	}
	return triplePrefix + rec.Title + "|" + strings.Join(rec.Authors, ";") + "|" + rec.Date, nil
}

// MustParse parses a reference and panics on error. Useful in tests.
func MustParse(raw string) record.Ref {
	ref, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return ref
}
