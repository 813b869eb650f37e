// Package loader implements progressive context loading: it chooses how
// much of a derived document to hand a consumer, stepping down through four
// fidelity levels until the delivery fits the consumer's token budget, and
// records every delivery against the session's ledger.
package loader

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a progressive-loading fidelity tier.
type Level int

// Fidelity levels, lowest first.
const (
	LevelSummary   Level = 1 // summary and critical fields
	LevelStructure Level = 2 // full structured representation
	LevelSections  Level = 3 // structure plus category-mapped section bodies
	LevelFull      Level = 4 // structure, every section body and the raw source

	minLevel = LevelSummary
	maxLevel = LevelFull
)

// Valid reports whether l is one of the four levels.
func (l Level) Valid() bool {
	return l >= minLevel && l <= maxLevel
}

func (l Level) String() string {
	switch l {
	case LevelSummary:
		return "summary"
	case LevelStructure:
		return "structure"
	case LevelSections:
		return "sections"
	case LevelFull:
		return "full"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

// ParseLevel accepts a level number (1-4) or its name.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for l := minLevel; l <= maxLevel; l++ {
		if s == l.String() || s == strconv.Itoa(int(l)) {
			return l, nil
		}
	}

	return 0, fmt.Errorf("loader: invalid level %q (want 1-4 or summary, structure, sections, full)", s)
}

// Want is what a consumer asks for: a fidelity level, a token budget, or
// a level capped by a budget. The zero Want starts at the loader's default
// level with no request budget.
type Want struct {
	level  Level
	budget int
	capped bool
}

// AtLevel asks for level l.
func AtLevel(l Level) Want {
	return Want{level: l}
}

// WithinBudget asks for as much as fits in tokens.
func WithinBudget(tokens int) Want {
	return Want{budget: tokens, capped: true}
}

// WithBudget caps w at tokens.
func (w Want) WithBudget(tokens int) Want {
	w.budget = tokens
	w.capped = true

	return w
}

// Level returns the requested level, if one was given.
func (w Want) Level() (Level, bool) {
	return w.level, w.level != 0
}

// Budget returns the request's token cap, if one was given.
func (w Want) Budget() (int, bool) {
	return w.budget, w.capped
}

func (w Want) validate() error {
	if w.level != 0 && !w.level.Valid() {
		return fmt.Errorf("loader: invalid level %d", w.level)
	}

	if w.capped && w.budget < 0 {
		return fmt.Errorf("loader: negative budget %d", w.budget)
	}

	return nil
}

func (w Want) String() string {
	switch {
	case w.level != 0 && w.capped:
		return fmt.Sprintf("level %d within %d tokens", w.level, w.budget)
	case w.capped:
		return fmt.Sprintf("within %d tokens", w.budget)
	case w.level != 0:
		return fmt.Sprintf("level %d", w.level)
	default:
		return "default"
	}
}
