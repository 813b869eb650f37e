package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/tonimelisma/ctxsync/internal/convert"
)

// DefaultMultipliers are the per-level cost factors applied to a
// document's full token estimate, for levels 1 through 4.
var DefaultMultipliers = []float64{0.1, 0.5, 0.75, 1.0}

// ErrInvalidRequest is returned for requests without a document or with an
// out-of-range level or budget.
var ErrInvalidRequest = errors.New("loader: invalid request")

// Meta is the registry metadata delivered alongside a payload.
type Meta struct {
	DocID             string    `json:"doc_id"`
	Path              string    `json:"path"`
	Category          string    `json:"category"`
	Status            string    `json:"status"`
	SourceFingerprint string    `json:"source_fingerprint"`
	SchemaVersion     int       `json:"schema_version"`
	GeneratedAt       time.Time `json:"generated_at"`
	LastSyncedAt      time.Time `json:"last_synced_at,omitzero"`
	ByteSize          int64     `json:"byte_size"`
	EstimatedTokens   int       `json:"estimated_tokens"`
}

// Snapshot is one readable version of a document. Stale marks a snapshot
// known to be older than its source.
type Snapshot struct {
	Doc   *convert.Doc
	Meta  Meta
	Stale bool
}

// SnapshotSource resolves a document ID to its current snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context, docID string) (*Snapshot, error)
}

// SectionMapper returns the sections a consumer category receives at
// level 3. Satisfied by *config.Holder.
type SectionMapper interface {
	SectionsFor(category string) ([]string, bool)
}

// Request is one consumer's load request.
type Request struct {
	ConsumerID string
	SessionID  string
	Category   string // consumer category for level 3; defaults to the document's
	DocID      string
	Want       Want
	Priority   int
	Critical   bool
}

// Result is one delivery.
type Result struct {
	DocID      string  `json:"doc_id"`
	Requested  Level   `json:"requested_level"`
	Level      Level   `json:"level"`
	Data       Payload `json:"data"`
	Meta       Meta    `json:"meta"`
	Estimate   int     `json:"estimated_tokens"`
	Tokens     int     `json:"tokens"`
	Remaining  int     `json:"remaining"`
	OverBudget bool    `json:"over_budget"`
	Stale      bool    `json:"stale"`
	Fallback   bool    `json:"fallback"`
}

// BatchResult pairs a batch request's result with its error.
type BatchResult struct {
	Result *Result
	Err    error
}

// Options configures a Loader.
type Options struct {
	Multipliers      []float64 // levels 1-4; DefaultMultipliers when not four values
	BudgetStartLevel int       // starting level for budget-only requests; default 4
	Logger           *slog.Logger
}

// Loader selects and delivers document levels against session budgets.
type Loader struct {
	source      SnapshotSource
	alloc       *Allocator
	sections    SectionMapper
	multipliers [maxLevel]float64
	budgetStart Level
	logger      *slog.Logger
}

// New creates a Loader. sections may be nil, in which case level 3 always
// falls back to level 2.
func New(source SnapshotSource, alloc *Allocator, sections SectionMapper, opts Options) *Loader {
	l := &Loader{
		source:      source,
		alloc:       alloc,
		sections:    sections,
		budgetStart: Level(opts.BudgetStartLevel),
		logger:      opts.Logger,
	}

	mult := opts.Multipliers
	if len(mult) != int(maxLevel) {
		mult = DefaultMultipliers
	}

	copy(l.multipliers[:], mult)

	if !l.budgetStart.Valid() {
		l.budgetStart = LevelFull
	}

	return l
}

// Allocator returns the allocator the loader charges.
func (l *Loader) Allocator() *Allocator {
	return l.alloc
}

// Estimate returns the estimated cost of level for a document whose full
// estimate is tokens. Non-empty estimates are at least one token.
func (l *Loader) Estimate(tokens int, level Level) int {
	if tokens <= 0 || !level.Valid() {
		return 0
	}

	return max(int(math.Ceil(float64(tokens)*l.multipliers[level-1])), 1)
}

// Load delivers the highest level at or below the starting level that fits
// both the request budget and the session's remaining budget, charging the
// session's ledger in the same step. When even level 1 does not fit it is
// delivered anyway, flagged OverBudget. A canceled ctx charges nothing.
func (l *Loader) Load(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	snap, err := l.source.Snapshot(ctx, req.DocID)
	if err != nil {
		return nil, err
	}

	return l.deliver(ctx, req, snap, Unlimited)
}

// LoadBatch loads several documents for one session. The session's
// remaining budget is arbitrated across the requests by priority first;
// requests are then delivered in that order, each capped by its grant when
// the budget ran out at or before it. Results are returned in request
// order.
func (l *Loader) LoadBatch(ctx context.Context, session string, reqs []Request) []BatchResult {
	reqs = slices.Clone(reqs)
	out := make([]BatchResult, len(reqs))
	snaps := make([]*Snapshot, len(reqs))
	estimates := make([]int, len(reqs))

	for i := range reqs {
		reqs[i].SessionID = session

		if err := validate(reqs[i]); err != nil {
			out[i].Err = err
			continue
		}

		snap, err := l.source.Snapshot(ctx, reqs[i].DocID)
		if err != nil {
			out[i].Err = err
			continue
		}

		snaps[i] = snap
		estimates[i] = l.Estimate(snap.Meta.EstimatedTokens, l.startLevel(reqs[i].Want))

		if b, ok := reqs[i].Want.Budget(); ok {
			estimates[i] = min(estimates[i], b)
		}
	}

	for _, g := range l.alloc.Arbitrate(session, reqs, estimates) {
		if out[g.Index].Err != nil {
			continue
		}

		limit := Unlimited
		if g.Budget < g.Estimate {
			limit = g.Budget
		}

		res, err := l.deliver(ctx, reqs[g.Index], snaps[g.Index], limit)
		out[g.Index] = BatchResult{Result: res, Err: err}
	}

	return out
}

func validate(req Request) error {
	if req.DocID == "" {
		return fmt.Errorf("%w: document ID is required", ErrInvalidRequest)
	}

	if err := req.Want.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return nil
}

func (l *Loader) startLevel(w Want) Level {
	if lvl, ok := w.Level(); ok {
		return lvl
	}

	return l.budgetStart
}

func (l *Loader) sectionsFor(req Request, snap *Snapshot) []string {
	if l.sections == nil {
		return nil
	}

	category := req.Category
	if category == "" {
		category = snap.Meta.Category
	}

	sections, _ := l.sections.SectionsFor(category)

	return sections
}

// deliver selects a level under the session's ledger lock and charges the
// delivered payload's cost. limit further caps the budget for batch
// requests.
func (l *Loader) deliver(ctx context.Context, req Request, snap *Snapshot, limit int) (*Result, error) {
	start := l.startLevel(req.Want)
	sections := l.sectionsFor(req, snap)

	var res *Result

	_, err := l.alloc.Reserve(req.SessionID, func(remaining int) (Charge, error) {
		if err := ctx.Err(); err != nil {
			return Charge{}, fmt.Errorf("loader: load of %s canceled: %w", req.DocID, err)
		}

		budget := min(remaining, limit)
		if b, ok := req.Want.Budget(); ok {
			budget = min(budget, b)
		}

		// Level 1 is delivered even when it does not fit.
		for lvl := start; lvl >= LevelSummary; lvl-- {
			est := l.Estimate(snap.Meta.EstimatedTokens, lvl)
			if est > budget && lvl > LevelSummary {
				continue
			}

			payload, fallback := buildPayload(snap.Doc, lvl, sections)

			tokens, err := payloadTokens(&payload)
			if err != nil {
				return Charge{}, err
			}

			if tokens > budget && lvl > LevelSummary {
				continue
			}

			delivered := lvl
			if fallback {
				delivered = LevelStructure
			}

			res = &Result{
				DocID:      req.DocID,
				Requested:  start,
				Level:      delivered,
				Data:       payload,
				Meta:       snap.Meta,
				Estimate:   est,
				Tokens:     tokens,
				OverBudget: max(est, tokens) > budget,
				Stale:      snap.Stale,
				Fallback:   fallback,
			}

			return Charge{Tokens: tokens, OverBudget: res.OverBudget}, nil
		}

		return Charge{}, fmt.Errorf("loader: no level selected for %s", req.DocID)
	})
	if err != nil {
		return nil, err
	}

	res.Remaining = l.alloc.Ledger(req.SessionID).Remaining()

	attrs := []any{
		slog.String("doc_id", req.DocID),
		slog.String("session", sessionName(req.SessionID)),
		slog.Int("requested_level", int(start)),
		slog.Int("level", int(res.Level)),
		slog.Int("tokens", res.Tokens),
	}

	if res.OverBudget {
		l.logger.Info("context delivered over budget", attrs...)
	} else {
		l.logger.Debug("context delivered", attrs...)
	}

	return res, nil
}

func sessionName(session string) string {
	if session == "" {
		return DefaultSession
	}

	return session
}
