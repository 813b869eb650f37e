package sync

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Failure suppression constants for watch mode.
const (
	failureThreshold = 3                // skip after this many failures
	failureCooldown  = 30 * time.Minute // forget failures older than this
)

// failureRecord tracks failures for a single document.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker suppresses documents whose sources keep failing to read,
// so each safety scan does not rerun the full retry schedule for them.
// Thread-safe. Documents that fail >= failureThreshold times within
// failureCooldown are skipped with a Warn log. Success clears the record.
type failureTracker struct {
	mu      sync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing
}

// newFailureTracker creates a failure tracker for watch mode.
func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// shouldSkip returns true if the document has failed enough times within
// the cooldown window that it should be suppressed.
func (ft *failureTracker) shouldSkip(docID string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[docID]
	if !ok {
		return false
	}

	// Forget stale failures.
	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		delete(ft.records, docID)
		return false
	}

	return rec.count >= failureThreshold
}

// recordFailure increments the failure counter for a document.
func (ft *failureTracker) recordFailure(docID, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[docID]
	if !ok {
		rec = &failureRecord{}
		ft.records[docID] = rec
	}

	// Reset if the previous failure is older than the cooldown.
	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == failureThreshold {
		ft.logger.Warn("document suppressed after repeated read failures",
			slog.String("doc_id", docID),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("cooldown", failureCooldown),
		)
	}
}

// recordSuccess clears the failure record for a document.
func (ft *failureTracker) recordSuccess(docID string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, docID)
}

// suppressed returns the IDs currently being skipped, sorted.
func (ft *failureTracker) suppressed() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	now := ft.nowFunc()

	var ids []string

	for id, rec := range ft.records {
		if rec.count >= failureThreshold && now.Sub(rec.lastAt) <= failureCooldown {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
