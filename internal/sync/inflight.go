package sync

import stdsync "sync"

// flight is one document's pending or running conversion.
type flight struct {
	done    chan struct{} // closed when the document has no more work
	pending *ChangeEvent  // newer event that arrived while running
}

// inFlightTracker enforces at most one conversion per document at a time.
// A document dispatched while already in flight has its event parked as
// pending (latest wins) and rerun by the same worker when the current job
// finishes. Waiters can block on a document or on the tracker going idle.
type inFlightTracker struct {
	mu   stdsync.Mutex
	docs map[string]*flight
	idle chan struct{} // closed while no document is in flight
}

func newInFlightTracker() *inFlightTracker {
	idle := make(chan struct{})
	close(idle)

	return &inFlightTracker{
		docs: make(map[string]*flight),
		idle: idle,
	}
}

// begin registers ev. It returns true when the caller must dispatch the
// event, false when it was parked behind a running conversion.
func (t *inFlightTracker) begin(ev *ChangeEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.docs[ev.DocID]; ok {
		parked := *ev
		f.pending = &parked

		return false
	}

	if len(t.docs) == 0 {
		t.idle = make(chan struct{})
	}

	t.docs[ev.DocID] = &flight{done: make(chan struct{})}

	return true
}

// finish marks the current job for docID complete. If a newer event was
// parked it is returned and the document stays in flight.
func (t *inFlightTracker) finish(docID string) (ChangeEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.docs[docID]
	if !ok {
		return ChangeEvent{}, false
	}

	if f.pending != nil {
		next := *f.pending
		f.pending = nil

		return next, true
	}

	close(f.done)
	delete(t.docs, docID)

	if len(t.docs) == 0 {
		close(t.idle)
	}

	return ChangeEvent{}, false
}

// abandon drops docID and any parked event without running it. Used when
// the pool stops with work still queued.
func (t *inFlightTracker) abandon(docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.docs[docID]
	if !ok {
		return
	}

	close(f.done)
	delete(t.docs, docID)

	if len(t.docs) == 0 {
		close(t.idle)
	}
}

// wait returns a channel closed once docID has no conversion in flight,
// or nil when it has none now.
func (t *inFlightTracker) wait(docID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.docs[docID]; ok {
		return f.done
	}

	return nil
}

// idleCh returns a channel closed once no document is in flight.
func (t *inFlightTracker) idleCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.idle
}

// count returns the number of documents in flight.
func (t *inFlightTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.docs)
}
