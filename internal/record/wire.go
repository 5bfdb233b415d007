package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StringList unmarshals either a JSON array of strings or a single JSON
// string (wrapped as a one-element list). Older clients sent a lone author
// as a bare string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StringList{one}
		}
		return nil
	}
	return fmt.Errorf("authors: expected string or list of strings, got %s", data)
}

// WireMetadata is the over-the-wire metadata shape. It tolerates the field
// spellings older clients used ("author" for "authors") so the core only
// ever sees the canonical MetadataRecord.
type WireMetadata struct {
	DOI      string     `json:"doi"`
	Title    string     `json:"title"`
	Authors  StringList `json:"authors"`
	Author   StringList `json:"author"` // legacy spelling
	Date     string     `json:"date"`
	Journal  string     `json:"journal"`
	Abstract string     `json:"abstract"`
}

// Record translates the wire shape into the canonical record. When both
// author spellings are present the canonical one wins.
func (w *WireMetadata) Record() *MetadataRecord {
	if w == nil {
		return nil
	}
	authors := []string(w.Authors)
	if len(authors) == 0 {
		authors = []string(w.Author)
	}
	return &MetadataRecord{
		DOI:      w.DOI,
		Title:    w.Title,
		Authors:  authors,
		Date:     w.Date,
		Journal:  w.Journal,
		Abstract: w.Abstract,
	}
}

// SplitAuthors parses the comma-separated author list used by query-string
// callers ("A. Author, B. Author"). Empty segments are dropped.
func SplitAuthors(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
