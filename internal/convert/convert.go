package convert

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tonimelisma/ctxsync/internal/codec"
)

// ErrSchemaViolation is returned when a source cannot be converted into a
// valid representation. The previous representation stays in place.
var ErrSchemaViolation = errors.New("convert: schema violation")

// DefaultCategory owns documents with no front-matter category that sit at
// the source root.
const DefaultCategory = "default"

// Reserved front-matter keys. They steer conversion and are removed from
// the field tree.
const (
	keyCritical      = "critical"
	keyCategory      = "category"
	keySchemaVersion = "schema_version"
	keyTitle         = "title"
	keySummary       = "summary"
)

// maxSummaryRunes caps a summary taken from the first paragraph.
const maxSummaryRunes = 280

// defaultCritical lists field names that are critical whenever present.
var defaultCritical = []string{"title", "status", "owner", "priority"}

// Converter produces a Doc from source bytes.
type Converter struct {
	nowFunc func() time.Time
}

// New creates a Converter.
func New() *Converter {
	return &Converter{nowFunc: time.Now}
}

// Convert derives the representation of the document with the given ID
// and slash-separated path relative to the source root. Everything except
// Meta.GeneratedAt is a pure function of the arguments.
func (c *Converter) Convert(id, relPath string, content []byte) (*Doc, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrSchemaViolation, relPath)
	}

	front, body, _, err := splitFrontMatter(content)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", relPath, err)
	}

	fields, err := parseFrontMatter(front)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", relPath, err)
	}

	reserved, err := takeReserved(fields)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", relPath, err)
	}

	parsed := parseBody(body)

	doc := &Doc{
		ID:       id,
		Path:     relPath,
		Fields:   fields,
		Sections: parsed.sections,
		Source:   string(content),
	}

	doc.Title = stringField(fields, keyTitle)
	if doc.Title == "" {
		doc.Title = parsed.title
	}

	if doc.Title == "" {
		doc.Title = path.Base(id)
	}

	if _, ok := fields[keyTitle]; !ok {
		fields[keyTitle] = doc.Title
	}

	doc.Summary = stringField(fields, keySummary)
	if doc.Summary == "" {
		doc.Summary = truncateRunes(parsed.firstParagraph, maxSummaryRunes)
	}

	promoteTables(fields, doc.Sections)

	doc.Critical = criticalFields(fields, reserved.critical)
	doc.Meta = Meta{
		Category:          categoryFor(reserved.category, relPath),
		SchemaVersion:     SchemaVersion,
		GeneratedAt:       c.nowFunc().UTC(),
		SourceFingerprint: codec.SourceFingerprint(content),
		ByteSize:          int64(len(content)),
		EstimatedTokens:   EstimateTokens(doc.Source),
	}

	return doc, nil
}

type reservedKeys struct {
	critical []string
	category string
}

// takeReserved validates and removes the reserved front-matter keys.
func takeReserved(fields map[string]any) (reservedKeys, error) {
	var r reservedKeys

	if v, ok := fields[keyCritical]; ok {
		list, isList := v.([]any)
		if !isList {
			return r, fmt.Errorf("%w: %s must be a list of field names", ErrSchemaViolation, keyCritical)
		}

		for _, e := range list {
			name, isStr := e.(string)
			if !isStr {
				return r, fmt.Errorf("%w: %s must be a list of field names", ErrSchemaViolation, keyCritical)
			}

			r.critical = append(r.critical, name)
		}

		delete(fields, keyCritical)
	}

	if v, ok := fields[keyCategory]; ok {
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return r, fmt.Errorf("%w: %s must be a non-empty string", ErrSchemaViolation, keyCategory)
		}

		r.category = strings.TrimSpace(s)

		delete(fields, keyCategory)
	}

	if v, ok := fields[keySchemaVersion]; ok {
		n, isInt := v.(int64)
		if !isInt || n < 1 {
			return r, fmt.Errorf("%w: %s must be a positive integer", ErrSchemaViolation, keySchemaVersion)
		}

		if n > SchemaVersion {
			return r, fmt.Errorf("%w: %s %d is newer than supported version %d",
				ErrSchemaViolation, keySchemaVersion, n, SchemaVersion)
		}

		delete(fields, keySchemaVersion)
	}

	return r, nil
}

// promoteTables exposes the first table of each section as a top-level
// array under the section id, unless the front matter already uses the key.
func promoteTables(fields map[string]any, sections []Section) {
	for _, s := range sections {
		if len(s.Tables) == 0 {
			continue
		}

		if _, taken := fields[s.ID]; taken {
			continue
		}

		rows := make([]any, len(s.Tables[0].Rows))
		for i, r := range s.Tables[0].Rows {
			rows[i] = r
		}

		fields[s.ID] = rows
	}
}

// criticalFields is the sorted union of declared and default critical
// names that exist in fields.
func criticalFields(fields map[string]any, declared []string) []string {
	set := make(map[string]bool)

	for _, name := range append(append([]string{}, defaultCritical...), declared...) {
		if _, ok := fields[name]; ok {
			set[name] = true
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

func categoryFor(declared, relPath string) string {
	if declared != "" {
		return declared
	}

	if dir, _, found := strings.Cut(relPath, "/"); found && dir != "" {
		return dir
	}

	return DefaultCategory
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)

	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)

	return strings.TrimSpace(string(runes[:n])) + "…"
}
