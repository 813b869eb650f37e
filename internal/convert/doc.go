// Package convert turns prose source documents into the structured,
// queryable representation served to consumers. Conversion is a pure
// function of the document ID, its relative path, and its bytes.
package convert

import (
	"fmt"
	"time"

	"github.com/tonimelisma/ctxsync/internal/codec"
)

// SchemaVersion is the version of the derived representation this package
// produces. Documents declaring a newer schema_version are rejected.
const SchemaVersion = 1

// Doc is the derived representation of one source document.
type Doc struct {
	ID       string         `json:"id"`
	Path     string         `json:"path"`
	Title    string         `json:"title,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Fields   map[string]any `json:"fields"`
	Critical []string       `json:"critical,omitempty"`
	Sections []Section      `json:"sections,omitempty"`
	Source   string         `json:"source"`
	Meta     Meta           `json:"meta"`
}

// Section is one heading-delimited part of a document body.
type Section struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Level  int      `json:"level"`
	Body   string   `json:"body"`
	Items  []string `json:"items,omitempty"`
	Tables []Table  `json:"tables,omitempty"`
}

// Table is a GFM table with slugged column keys and typed cells. Empty
// cells are omitted from their row.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Meta is the metadata block the converter controls. Sync status and
// timestamps owned by the registry live in sync.DocMeta.
type Meta struct {
	Category          string    `json:"category"`
	SchemaVersion     int       `json:"schema_version"`
	GeneratedAt       time.Time `json:"generated_at"`
	SourceFingerprint string    `json:"source_fingerprint"`
	ByteSize          int64     `json:"byte_size"`
	EstimatedTokens   int       `json:"estimated_tokens"`
}

// canonicalDoc is the subset of a Doc that is a function of the source.
// GeneratedAt is excluded.
type canonicalDoc struct {
	ID                string         `cbor:"id"`
	Path              string         `cbor:"path"`
	Title             string         `cbor:"title"`
	Summary           string         `cbor:"summary"`
	Fields            map[string]any `cbor:"fields"`
	Critical          []string       `cbor:"critical"`
	Sections          []Section      `cbor:"sections"`
	Source            string         `cbor:"source"`
	Category          string         `cbor:"category"`
	SchemaVersion     int            `cbor:"schema_version"`
	SourceFingerprint string         `cbor:"source_fingerprint"`
}

// Canonical returns the deterministic CBOR encoding of the document's
// source-derived content.
func (d *Doc) Canonical() ([]byte, error) {
	b, err := codec.Marshal(canonicalDoc{
		ID:                d.ID,
		Path:              d.Path,
		Title:             d.Title,
		Summary:           d.Summary,
		Fields:            d.Fields,
		Critical:          d.Critical,
		Sections:          d.Sections,
		Source:            d.Source,
		Category:          d.Meta.Category,
		SchemaVersion:     d.Meta.SchemaVersion,
		SourceFingerprint: d.Meta.SourceFingerprint,
	})
	if err != nil {
		return nil, fmt.Errorf("convert: encoding %s: %w", d.ID, err)
	}

	return b, nil
}

// ContentFingerprint hashes the canonical encoding. Two conversions of the
// same bytes always have equal content fingerprints.
func (d *Doc) ContentFingerprint() (string, error) {
	b, err := d.Canonical()
	if err != nil {
		return "", err
	}

	return codec.ContentFingerprint(b), nil
}

// Section returns the section with the given id.
func (d *Doc) Section(id string) (Section, bool) {
	for _, s := range d.Sections {
		if s.ID == id {
			return s, true
		}
	}

	return Section{}, false
}

// Normalize restores int64 and float64 values in the field tree and table
// rows of a document decoded from JSON or CBOR.
func (d *Doc) Normalize() error {
	fields, err := NormalizeTree(d.Fields)
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}

	d.Fields = fields

	for i := range d.Sections {
		for j := range d.Sections[i].Tables {
			rows := d.Sections[i].Tables[j].Rows
			for k := range rows {
				if rows[k], err = NormalizeTree(rows[k]); err != nil {
					return fmt.Errorf("section %s: %w", d.Sections[i].ID, err)
				}
			}
		}
	}

	return nil
}

// EstimateTokens approximates the token count of text at four bytes per
// token. Non-empty text is at least one token.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}

	tokens := n / 4
	if tokens == 0 {
		return 1
	}

	return tokens
}
