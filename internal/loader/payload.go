package loader

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/ctxsync/internal/convert"
)

// Payload is the data delivered for one document at one level. Each level
// keeps everything the level below it delivers.
type Payload struct {
	Title    string         `json:"title,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Fields   map[string]any `json:"fields"`
	Critical []string       `json:"critical,omitempty"`
	Sections []SectionView  `json:"sections,omitempty"`
	Source   string         `json:"source,omitempty"`
}

// SectionView is a section as delivered: the outline from level 2 and the
// raw body from level 3 for mapped sections, level 4 for all.
type SectionView struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Level  int             `json:"level"`
	Items  []string        `json:"items,omitempty"`
	Tables []convert.Table `json:"tables,omitempty"`
	Body   string          `json:"body,omitempty"`
}

// buildPayload renders doc at level. For LevelSections it returns
// fallback=true, and a level-2 payload, when none of the mapped sections
// exist in the document.
func buildPayload(doc *convert.Doc, level Level, sections []string) (p Payload, fallback bool) {
	p = Payload{
		Title:    doc.Title,
		Summary:  doc.Summary,
		Critical: doc.Critical,
	}

	if level == LevelSummary {
		p.Fields = criticalFields(doc)
		return p, false
	}

	p.Fields = doc.Fields
	if p.Fields == nil {
		p.Fields = map[string]any{}
	}

	p.Sections = make([]SectionView, len(doc.Sections))
	for i, s := range doc.Sections {
		p.Sections[i] = SectionView{
			ID:     s.ID,
			Title:  s.Title,
			Level:  s.Level,
			Items:  s.Items,
			Tables: s.Tables,
		}
	}

	switch level {
	case LevelSections:
		want := make(map[string]bool, len(sections))
		for _, id := range sections {
			want[id] = true
		}

		matched := 0

		for i, s := range doc.Sections {
			if want[s.ID] {
				p.Sections[i].Body = s.Body
				matched++
			}
		}

		if matched == 0 {
			return p, true
		}

	case LevelFull:
		for i, s := range doc.Sections {
			p.Sections[i].Body = s.Body
		}

		p.Source = doc.Source
	}

	return p, false
}

// criticalFields returns the critical subset of the document's fields.
func criticalFields(doc *convert.Doc) map[string]any {
	out := make(map[string]any, len(doc.Critical))

	for _, name := range doc.Critical {
		if v, ok := doc.Fields[name]; ok {
			out[name] = v
		}
	}

	return out
}

// payloadTokens estimates the cost of delivering p as JSON.
func payloadTokens(p *Payload) (int, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("loader: encoding payload: %w", err)
	}

	return convert.EstimateTokens(string(b)), nil
}
