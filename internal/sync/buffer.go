// Buffer coalesces change events by document ID so a document edited in
// a burst is converted once, from its final content. It sits between the
// observer and the worker pool. Thread-safe for concurrent observer output.
package sync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Buffer collects ChangeEvents and keeps the latest one per document ID.
// A delete after a modify is a delete; a create after a delete is a
// create. All methods are safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	pending map[string]ChangeEvent
	notify  chan struct{} // signaled on Add/AddAll when FlushDebounced is active; nil otherwise
	logger  *slog.Logger
}

// NewBuffer creates an empty Buffer ready to accept events.
func NewBuffer(logger *slog.Logger) *Buffer {
	logger.Debug("buffer created")

	return &Buffer{
		pending: make(map[string]ChangeEvent),
		logger:  logger,
	}
}

// Add records a single event. Takes a pointer to avoid copying the event
// on each call.
func (b *Buffer) Add(ev *ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addLocked(ev)
}

// AddAll records a batch of events under a single lock acquisition, as
// produced by a full scan.
func (b *Buffer) AddAll(events []ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range events {
		b.addLocked(&events[i])
	}
}

// FlushImmediate returns all buffered events sorted by document ID
// (deterministic dispatch order) and clears the buffer. Returns nil for an
// empty buffer.
func (b *Buffer) FlushImmediate() []ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.logger.Debug("buffer flushed (empty)")
		return nil
	}

	result := make([]ChangeEvent, 0, len(b.pending))
	for _, ev := range b.pending {
		result = append(result, ev)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})

	b.pending = make(map[string]ChangeEvent)

	b.logger.Info("buffer flushed", slog.Int("documents", len(result)))

	return result
}

// Len returns the number of distinct documents currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// FlushDebounced returns a channel that emits batches after a debounce
// window elapses with no new events. Each batch is equivalent to calling
// FlushImmediate(). The debounce timer resets every time Add() or AddAll()
// is called. The output channel is closed when the context is canceled;
// any remaining events are drained in a final batch.
func (b *Buffer) FlushDebounced(ctx context.Context, debounce time.Duration) <-chan []ChangeEvent {
	out := make(chan []ChangeEvent, 1)

	b.mu.Lock()
	b.notify = make(chan struct{}, 1)
	pending := len(b.pending) > 0
	b.mu.Unlock()

	// Events added before the loop started still need a flush.
	if pending {
		b.signalNew()
	}

	go b.debounceLoop(ctx, debounce, out)

	return out
}

// debounceLoop is the goroutine driving FlushDebounced. It waits for new-event
// signals, resets the debounce timer, and flushes when the timer expires.
func (b *Buffer) debounceLoop(ctx context.Context, debounce time.Duration, out chan<- []ChangeEvent) {
	defer close(out)

	timer := time.NewTimer(debounce)
	timer.Stop() // start idle, no events yet
	defer timer.Stop()

	timerActive := false

	for {
		select {
		case <-ctx.Done():
			// Drain remaining events. Non-blocking because the consumer may
			// have stopped reading.
			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				default:
					b.logger.Warn("final drain discarded: output channel full",
						slog.Int("documents", len(batch)),
					)
				}
			}

			return

		case <-b.notify:
			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timer.Reset(debounce)
			timerActive = true

		case <-timer.C:
			timerActive = false

			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// signalNew sends a non-blocking notification to the debounce goroutine.
// The notify channel is nil until FlushDebounced() is called, so one-shot
// mode pays no cost.
func (b *Buffer) signalNew() {
	b.mu.Lock()
	notify := b.notify
	b.mu.Unlock()

	signal(notify)
}

func signal(notify chan struct{}) {
	if notify == nil {
		return
	}

	select {
	case notify <- struct{}{}:
	default:
		// Already signaled; the debounce goroutine hasn't consumed yet.
	}
}

// addLocked is the internal add logic called while the mutex is held. The
// latest event for a document replaces any earlier one, except that a
// modify does not downgrade a pending create.
func (b *Buffer) addLocked(ev *ChangeEvent) {
	next := *ev

	if prev, ok := b.pending[ev.DocID]; ok && prev.Type == ChangeCreate && next.Type == ChangeModify {
		next.Type = ChangeCreate
	}

	b.pending[ev.DocID] = next

	b.logger.Debug("event added",
		slog.String("doc_id", ev.DocID),
		slog.String("type", ev.Type.String()),
	)

	signal(b.notify)
}
