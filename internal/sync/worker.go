package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

const (
	// minWorkers is the floor for total worker count.
	minWorkers = 1
	// maxRecordedErrors caps the diagnostic error slice to bound memory in
	// long-running watch mode. The failed counter remains accurate
	// regardless of this cap.
	maxRecordedErrors = 1000
)

// outcome is the result of processing one change event.
type outcome int

const (
	outcomeUnchanged outcome = iota // source matches the registry; nothing written
	outcomeConverted                // converted and committed
	outcomeAdopted                  // existing derived file matched the source
	outcomeRestored                 // source reverted to the bytes of the current derived file
	outcomeOrphaned                 // source gone; marked orphaned
	outcomeFailed                   // unreadable source or schema violation
)

// jobHandler processes one change event while the pool guarantees no other
// job for the same document is running.
type jobHandler func(ctx context.Context, ev *ChangeEvent) (outcome, error)

// WorkerPool runs conversion jobs from a bounded queue on a fixed set of
// goroutines. The in-flight tracker serializes jobs per document: an event
// for a document that is already queued or running is parked and rerun by
// the worker that finishes the current job.
type WorkerPool struct {
	tracker *inFlightTracker
	handle  jobHandler
	jobs    chan ChangeEvent
	logger  *slog.Logger

	counts        [outcomeFailed + 1]atomic.Int64
	errors        []error
	errorsMu      stdsync.Mutex
	droppedErrors atomic.Int64

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// PoolStats summarizes the jobs a pool has run.
type PoolStats struct {
	Unchanged int
	Converted int
	Adopted   int
	Restored  int
	Orphaned  int
	Failed    int
	Errors    []error
}

// NewWorkerPool creates a pool without starting any workers. queueSize
// bounds the number of dispatched documents waiting for a worker.
func NewWorkerPool(tracker *inFlightTracker, handle jobHandler, logger *slog.Logger, queueSize int) *WorkerPool {
	if queueSize < 1 {
		queueSize = 1
	}

	return &WorkerPool{
		tracker: tracker,
		handle:  handle,
		jobs:    make(chan ChangeEvent, queueSize),
		logger:  logger,
	}
}

// Start spawns total worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context, total int) {
	total = max(total, minWorkers)

	ctx, wp.cancel = context.WithCancel(ctx)

	for range total {
		wp.wg.Add(1)

		go wp.worker(ctx)
	}

	wp.logger.Info("worker pool started",
		slog.Int("workers", total),
		slog.Int("queue_size", cap(wp.jobs)),
	)
}

// Submit dispatches ev. It blocks while the queue is full and returns the
// context error if ctx ends first. Events for a document already in flight
// return immediately.
func (wp *WorkerPool) Submit(ctx context.Context, ev *ChangeEvent) error {
	if !wp.tracker.begin(ev) {
		wp.logger.Debug("document in flight, parked newer event",
			slog.String("doc_id", ev.DocID),
		)

		return nil
	}

	select {
	case wp.jobs <- *ev:
		return nil
	case <-ctx.Done():
		wp.tracker.abandon(ev.DocID)
		return fmt.Errorf("sync: submitting %s: %w", ev.DocID, ctx.Err())
	}
}

// Stop cancels the workers, waits for running jobs to return, and releases
// queued documents that never ran so waiters are not left blocked.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}

	wp.wg.Wait()

	for {
		select {
		case ev := <-wp.jobs:
			wp.tracker.abandon(ev.DocID)
		default:
			return
		}
	}
}

// Stats returns outcome counters and any errors collected so far.
func (wp *WorkerPool) Stats() PoolStats {
	wp.errorsMu.Lock()
	errs := make([]error, len(wp.errors))
	copy(errs, wp.errors)
	wp.errorsMu.Unlock()

	return PoolStats{
		Unchanged: int(wp.counts[outcomeUnchanged].Load()),
		Converted: int(wp.counts[outcomeConverted].Load()),
		Adopted:   int(wp.counts[outcomeAdopted].Load()),
		Restored:  int(wp.counts[outcomeRestored].Load()),
		Orphaned:  int(wp.counts[outcomeOrphaned].Load()),
		Failed:    int(wp.counts[outcomeFailed].Load()),
		Errors:    errs,
	}
}

// worker is the main loop for a single goroutine.
func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-wp.jobs:
			wp.run(ctx, ev)
		}
	}
}

// run processes ev and then any events parked for the same document
// while it ran.
func (wp *WorkerPool) run(ctx context.Context, ev ChangeEvent) {
	for {
		wp.safeHandle(ctx, &ev)

		next, more := wp.tracker.finish(ev.DocID)
		if !more {
			return
		}

		if ctx.Err() != nil {
			wp.tracker.abandon(ev.DocID)
			return
		}

		ev = next
	}
}

// safeHandle wraps the job handler with panic recovery so a single
// document cannot crash the process.
func (wp *WorkerPool) safeHandle(ctx context.Context, ev *ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker: panic in conversion job",
				slog.String("doc_id", ev.DocID),
				slog.String("path", ev.Path),
				slog.Any("panic", r),
			)
			wp.record(outcomeFailed, fmt.Errorf("sync: panic converting %s: %v", ev.DocID, r))
		}
	}()

	result, err := wp.handle(ctx, ev)
	wp.record(result, err)
}

// record counts an outcome and appends err to the diagnostic list. The
// list is capped at maxRecordedErrors; overflow is counted in
// droppedErrors.
func (wp *WorkerPool) record(result outcome, err error) {
	wp.counts[result].Add(1)

	if err == nil {
		return
	}

	wp.errorsMu.Lock()
	defer wp.errorsMu.Unlock()

	if len(wp.errors) >= maxRecordedErrors {
		wp.droppedErrors.Add(1)
		return
	}

	wp.errors = append(wp.errors, err)
}

// DroppedErrors returns the number of errors that were not recorded because
// the diagnostic error slice was full.
func (wp *WorkerPool) DroppedErrors() int64 {
	return wp.droppedErrors.Load()
}
