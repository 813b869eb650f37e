package loader

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultSession is the ledger used by requests without a session ID.
const DefaultSession = "default"

// Allocator owns one ledger per session and arbitrates a session's
// remaining budget across competing requests.
type Allocator struct {
	limit   int
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewAllocator creates an allocator whose sessions each get limit tokens.
// A limit of zero makes sessions unlimited.
func NewAllocator(limit int, logger *slog.Logger) *Allocator {
	return &Allocator{
		limit:   max(limit, 0),
		logger:  logger,
		nowFunc: time.Now,
		ledgers: make(map[string]*Ledger),
	}
}

// Ledger returns the session's ledger, creating it on first use.
func (a *Allocator) Ledger(session string) *Ledger {
	if session == "" {
		session = DefaultSession
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.ledgers[session]
	if !ok {
		l = newLedger(session, a.limit, a.nowFunc)
		a.ledgers[session] = l

		a.logger.Debug("budget ledger created",
			slog.String("session", session),
			slog.Int("limit", a.limit),
		)
	}

	return l
}

// Reserve selects and charges one delivery atomically against the
// session's ledger. See Ledger.Reserve.
func (a *Allocator) Reserve(session string, pick func(remaining int) (Charge, error)) (Charge, error) {
	return a.Ledger(session).Reserve(pick)
}

// Reset clears a session's consumption. It reports whether the session
// existed.
func (a *Allocator) Reset(session string) bool {
	if session == "" {
		session = DefaultSession
	}

	a.mu.Lock()
	l, ok := a.ledgers[session]
	a.mu.Unlock()

	if ok {
		l.Reset()
	}

	return ok
}

// Snapshot returns the session's counters. Unknown sessions report a fresh
// ledger without creating one.
func (a *Allocator) Snapshot(session string) LedgerSnapshot {
	if session == "" {
		session = DefaultSession
	}

	a.mu.Lock()
	l, ok := a.ledgers[session]
	a.mu.Unlock()

	if !ok {
		return newLedger(session, a.limit, a.nowFunc).Snapshot()
	}

	return l.Snapshot()
}

// Snapshots returns every known session's counters, sorted by session.
func (a *Allocator) Snapshots() []LedgerSnapshot {
	a.mu.Lock()
	ledgers := make([]*Ledger, 0, len(a.ledgers))
	for _, l := range a.ledgers {
		ledgers = append(ledgers, l)
	}
	a.mu.Unlock()

	out := make([]LedgerSnapshot, len(ledgers))
	for i, l := range ledgers {
		out[i] = l.Snapshot()
	}

	slices.SortFunc(out, func(x, y LedgerSnapshot) int { return cmp.Compare(x.Session, y.Session) })

	return out
}

// Grant is the share of a session's budget assigned to one request of a
// batch. Index is the request's position in the batch.
type Grant struct {
	Index    int
	Estimate int
	Budget   int
}

// Arbitrate divides the session's remaining budget across requests,
// greedily in descending (priority, critical) order with ties kept in
// request order. Each request is granted its estimate while the budget
// lasts; the request where it runs out gets the remainder and later ones
// get zero. Grants are returned in arbitration order. A small grant is not
// a refusal: the loader downgrades the request to fit.
func (a *Allocator) Arbitrate(session string, reqs []Request, estimates []int) []Grant {
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(i, j int) int {
		if c := cmp.Compare(reqs[j].Priority, reqs[i].Priority); c != 0 {
			return c
		}

		return cmp.Compare(boolRank(reqs[j].Critical), boolRank(reqs[i].Critical))
	})

	remaining := a.Ledger(session).Remaining()
	grants := make([]Grant, 0, len(reqs))

	for _, i := range order {
		est := estimates[i]
		g := Grant{Index: i, Estimate: est}

		switch {
		case remaining == Unlimited:
			g.Budget = Unlimited
		case est <= remaining:
			g.Budget = est
			remaining -= est
		default:
			g.Budget = remaining
			remaining = 0
		}

		grants = append(grants, g)
	}

	return grants
}

func boolRank(b bool) int {
	if b {
		return 1
	}

	return 0
}
