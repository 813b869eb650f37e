package loader

import (
	"math"
	"sync"
	"time"
)

// Unlimited is the remaining budget of a ledger with no limit.
const Unlimited = math.MaxInt

// Ledger tracks the tokens one session has been delivered. The consumed
// total never exceeds the limit except through deliveries flagged over
// budget. All methods are safe for concurrent use.
type Ledger struct {
	session string
	nowFunc func() time.Time

	mu         sync.Mutex
	limit      int // 0 = unlimited
	consumed   int
	deliveries int
	overBudget int
	lastCharge time.Time
}

// LedgerSnapshot is a point-in-time copy of a ledger.
type LedgerSnapshot struct {
	Session              string    `json:"session"`
	Limit                int       `json:"limit"`
	Consumed             int       `json:"consumed"`
	Remaining            int       `json:"remaining"`
	Deliveries           int       `json:"deliveries"`
	OverBudgetDeliveries int       `json:"over_budget_deliveries"`
	LastCharge           time.Time `json:"last_charge,omitzero"`
}

func newLedger(session string, limit int, nowFunc func() time.Time) *Ledger {
	return &Ledger{session: session, limit: limit, nowFunc: nowFunc}
}

// Remaining returns the tokens left, or Unlimited.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.remainingLocked()
}

func (l *Ledger) remainingLocked() int {
	if l.limit == 0 {
		return Unlimited
	}

	return max(l.limit-l.consumed, 0)
}

// Charge records a delivery of tokens. overBudget marks a delivery that was
// allowed to exceed the remaining budget.
func (l *Ledger) Charge(tokens int, overBudget bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.chargeLocked(tokens, overBudget)
}

func (l *Ledger) chargeLocked(tokens int, overBudget bool) {
	l.consumed += tokens
	l.deliveries++
	l.lastCharge = l.nowFunc()

	if overBudget {
		l.overBudget++
	}
}

// Reserve runs pick with the remaining budget and charges what it returns,
// all under the ledger lock, so concurrent deliveries for one session are
// selected and accounted one at a time. Nothing is charged when pick
// returns an error.
func (l *Ledger) Reserve(pick func(remaining int) (Charge, error)) (Charge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := pick(l.remainingLocked())
	if err != nil {
		return Charge{}, err
	}

	l.chargeLocked(c.Tokens, c.OverBudget)

	return c, nil
}

// Reset clears consumption, keeping the limit.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consumed = 0
	l.deliveries = 0
	l.overBudget = 0
	l.lastCharge = time.Time{}
}

// Snapshot returns a copy of the ledger's counters.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LedgerSnapshot{
		Session:              l.session,
		Limit:                l.limit,
		Consumed:             l.consumed,
		Remaining:            l.remainingLocked(),
		Deliveries:           l.deliveries,
		OverBudgetDeliveries: l.overBudget,
		LastCharge:           l.lastCharge,
	}
}

// Charge is one delivery's accounting.
type Charge struct {
	Tokens     int
	OverBudget bool
}
