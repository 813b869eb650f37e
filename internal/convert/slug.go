package convert

import (
	"strconv"
	"strings"
	"unicode"
)

// slugify lowercases s and joins runs of letters and digits with sep.
func slugify(s string, sep rune) string {
	var b strings.Builder

	pending := false

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteRune(sep)
			}

			pending = false

			b.WriteRune(r)

			continue
		}

		pending = true
	}

	return b.String()
}

// slugger hands out unique slugs within one document.
type slugger struct {
	used map[string]bool
}

func newSlugger() *slugger {
	return &slugger{used: make(map[string]bool)}
}

func (s *slugger) next(title string) string {
	base := slugify(title, '-')
	if base == "" {
		base = "section"
	}

	candidate := base
	for n := 1; s.used[candidate]; n++ {
		candidate = base + "-" + strconv.Itoa(n)
	}

	s.used[candidate] = true

	return candidate
}
