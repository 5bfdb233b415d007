// Package canonical turns raw metadata field values into the exact byte
// sequences that get hashed. Records are stored as entered; normalization
// happens only here, at hash time, so it must be a pure function of the raw
// value.
//
// Three entry points:
//
//	NormalizeField: NFKC + trim (+ optional lowercase) for plain fields
//	NormalizeDOI:   resolver-prefix stripping + NormalizeField(lowercase)
//	JSONLeaf:       canonical JSON encoding of one {field: value} pair
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// doiPrefixes are the resolver prefixes stripped from DOI values. Matched
// case-insensitively at the start of the trimmed string only; at most one
// prefix is removed.
var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"dx.doi.org/",
	"doi:",
}

// NormalizeField canonicalizes a single metadata field value: Unicode NFKC,
// then trim surrounding whitespace, then lowercase when requested (identity
// fields such as DOI are case-insensitive by convention).
//
// An empty value canonicalizes to empty bytes, never to an error: absence is
// a legitimate state for optional fields and must hash stably.
func NormalizeField(value string, lowercase bool) []byte {
	s := strings.TrimSpace(norm.NFKC.String(value))
	if lowercase {
		s = strings.ToLower(s)
	}
	return []byte(s)
}

// NormalizeDOI canonicalizes a DOI: strips one known resolver prefix from
// the start of the trimmed value, then applies NormalizeField with
// lowercasing. "https://doi.org/10.1/ABC" and "DOI:10.1/abc" normalize to
// the same bytes.
func NormalizeDOI(value string) []byte {
	s := strings.TrimSpace(value)
	lower := strings.ToLower(s)
	for _, p := range doiPrefixes {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			break
		}
	}
	return NormalizeField(s, true)
}

// JSONLeaf encodes a single {field: value} pair as canonical JSON: the one
// key, compact separators, UTF-8 with no HTML escaping. Including the field
// name in the leaf means two fields holding identical values still produce
// distinct leaves, and adding or removing a field always changes the root.
//
// The value must be a string or a slice of strings; anything else is a
// programming error at the call site.
func JSONLeaf(field string, value any) ([]byte, error) {
	switch value.(type) {
	case string, []string:
	default:
		return nil, fmt.Errorf("unsupported leaf value type %T for field %q", value, field)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{field: value}); err != nil {
		return nil, fmt.Errorf("encode leaf %q: %w", field, err)
	}
	// Encoder appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
