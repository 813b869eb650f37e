package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/ctxsync/internal/config"
	"github.com/tonimelisma/ctxsync/internal/convert"
)

// Engine defaults applied when EngineConfig leaves a field zero.
const (
	defaultQueueSize     = 256
	defaultReadRetries   = 4
	defaultReadRetryBase = 100 * time.Millisecond
	defaultOrphanGrace   = 24 * time.Hour
	defaultDebounce      = 250 * time.Millisecond

	// watchEventBuffer sizes the channel between the observer and the buffer.
	watchEventBuffer = 1024
	// orphanSweepInterval is how often watch mode deletes expired orphans.
	orphanSweepInterval = 10 * time.Minute
)

// Invalidator drops every cache entry for a document. Satisfied by
// *cache.Manager.
type Invalidator interface {
	InvalidateDoc(docID string) error
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	SourceDir          string // absolute path to the source root
	StateDir           string // registry database and derived files
	Filter             config.FilterConfig
	Cache              Invalidator        // optional
	Converter          *convert.Converter // optional; defaults to convert.New()
	Workers            int
	ScanWorkers        int
	QueueSize          int
	ReadRetries        int
	ReadRetryBase      time.Duration
	OrphanGrace        time.Duration
	SafetyScanInterval time.Duration
	Alerts             AlertHandler // optional; alerts are always logged
	Logger             *slog.Logger
}

// RunOpts holds per-cycle options for RunOnce.
type RunOpts struct {
	// Rebuild drops the registry and every derived file before scanning,
	// forcing every source to be reconverted.
	Rebuild bool
}

// WatchOpts holds options for RunWatch.
type WatchOpts struct {
	Debounce time.Duration
}

// SyncReport summarizes the result of a single sync cycle.
type SyncReport struct {
	CycleID  string
	Duration time.Duration
	Events   int

	Converted int
	Adopted   int
	Restored  int
	Unchanged int
	Orphaned  int
	Removed   int
	Failed    int
	Errors    []error
}

// Engine keeps derived representations in step with their sources:
// observe → buffer → convert → commit. Every commit (registry row, derived
// file, cache invalidation) happens under the document's registry lock.
type Engine struct {
	registry  *Registry
	store     *DerivedStore
	observer  *LocalObserver
	converter *convert.Converter
	cache     Invalidator
	tracker   *inFlightTracker
	hub       *statusHub
	failures  *failureTracker // watch mode only
	alerts    AlertHandler
	logger    *slog.Logger

	sourceDir     string
	workers       int
	queueSize     int
	readRetries   int
	readRetryBase time.Duration
	orphanGrace   time.Duration

	nowFunc  func() time.Time
	readFunc func(name string) ([]byte, error)
}

// NewEngine opens the registry under cfg.StateDir and prepares the
// observer. A registry that had to be recreated raises a corruption alert;
// the next RunOnce rebuilds from sources and adopts matching derived files.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	if cfg.SourceDir == "" || cfg.StateDir == "" {
		return nil, errors.New("sync: source and state directories are required")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating state directory: %w", err)
	}

	filter, err := NewFilterEngine(&cfg.Filter, cfg.SourceDir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	registry, err := OpenRegistry(ctx, config.RegistryPath(cfg.StateDir), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	observer := NewLocalObserver(registry, filter, cfg.Logger)
	if cfg.ScanWorkers > 0 {
		observer.scanWorkers = cfg.ScanWorkers
	}

	if cfg.SafetyScanInterval > 0 {
		observer.safetyScanInterval = cfg.SafetyScanInterval
	}

	converter := cfg.Converter
	if converter == nil {
		converter = convert.New()
	}

	e := &Engine{
		registry:      registry,
		store:         NewDerivedStore(config.DerivedDir(cfg.StateDir), cfg.Logger),
		observer:      observer,
		converter:     converter,
		cache:         cfg.Cache,
		tracker:       newInFlightTracker(),
		hub:           newStatusHub(),
		alerts:        cfg.Alerts,
		logger:        cfg.Logger,
		sourceDir:     cfg.SourceDir,
		workers:       cfg.Workers,
		queueSize:     orDefault(cfg.QueueSize, defaultQueueSize),
		readRetries:   orDefault(cfg.ReadRetries, defaultReadRetries),
		readRetryBase: orDefault(cfg.ReadRetryBase, defaultReadRetryBase),
		orphanGrace:   orDefault(cfg.OrphanGrace, defaultOrphanGrace),
		nowFunc:       time.Now,
		readFunc:      os.ReadFile,
	}

	if recovered, cause := registry.Recovered(); recovered {
		e.raise(Alert{Kind: AlertRegistryCorrupt, Err: cause, At: e.nowFunc()})
	}

	return e, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

// Close releases the registry database.
func (e *Engine) Close() error {
	return e.registry.Close()
}

// Registry returns the engine's registry for read access.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the engine's derived-file store.
func (e *Engine) Store() *DerivedStore {
	return e.store
}

// SourceDir returns the source root the engine observes.
func (e *Engine) SourceDir() string {
	return e.sourceDir
}

// Converter returns the converter used for every conversion job.
func (e *Engine) Converter() *convert.Converter {
	return e.converter
}

// Subscribe registers for status transitions. The returned function
// unsubscribes and closes the channel. Slow subscribers miss events.
func (e *Engine) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	return e.hub.subscribe(buffer)
}

// InFlight reports whether docID has a conversion queued or running.
func (e *Engine) InFlight(docID string) bool {
	return e.tracker.wait(docID) != nil
}

// WaitForDocument blocks until docID has no conversion in flight, the
// timeout elapses, or ctx ends. It returns true when the document is idle.
func (e *Engine) WaitForDocument(ctx context.Context, docID string, timeout time.Duration) bool {
	done := e.tracker.wait(docID)
	if done == nil {
		return true
	}

	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// RunOnce performs one complete cycle: full scan, conversion of every
// changed document, and deletion of orphans past their grace period. It
// returns once every dispatched job has committed.
func (e *Engine) RunOnce(ctx context.Context, opts RunOpts) (*SyncReport, error) {
	start := e.nowFunc()
	cycleID := uuid.NewString()

	e.logger.Info("sync cycle starting",
		slog.String("cycle_id", cycleID),
		slog.String("source_dir", e.sourceDir),
		slog.Bool("rebuild", opts.Rebuild),
	)

	if opts.Rebuild {
		if err := e.rebuild(ctx); err != nil {
			return nil, err
		}
	}

	events, err := e.observer.FullScan(ctx, e.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning sources: %w", err)
	}

	buf := NewBuffer(e.logger)
	buf.AddAll(events)
	batch := buf.FlushImmediate()

	pool := NewWorkerPool(e.tracker, e.processEvent, e.logger, e.queueSize)
	pool.Start(ctx, e.workers)

	e.dispatch(ctx, pool, batch)

	select {
	case <-e.tracker.idleCh():
	case <-ctx.Done():
	}

	pool.Stop()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("sync: cycle canceled: %w", ctx.Err())
	}

	removed, err := e.CollectOrphans(ctx)
	if err != nil {
		e.logger.Warn("orphan collection failed", slog.String("error", err.Error()))
	}

	stats := pool.Stats()
	report := &SyncReport{
		CycleID:   cycleID,
		Duration:  e.nowFunc().Sub(start),
		Events:    len(batch),
		Converted: stats.Converted,
		Adopted:   stats.Adopted,
		Restored:  stats.Restored,
		Unchanged: stats.Unchanged,
		Orphaned:  stats.Orphaned,
		Removed:   removed,
		Failed:    stats.Failed,
		Errors:    stats.Errors,
	}

	e.logger.Info("sync cycle complete",
		slog.String("cycle_id", cycleID),
		slog.Duration("duration", report.Duration),
		slog.Int("events", report.Events),
		slog.Int("converted", report.Converted),
		slog.Int("adopted", report.Adopted),
		slog.Int("orphaned", report.Orphaned),
		slog.Int("removed", report.Removed),
		slog.Int("failed", report.Failed),
	)

	return report, nil
}

// rebuild drops every registry row and derived file.
func (e *Engine) rebuild(ctx context.Context) error {
	all := e.registry.All()

	e.logger.Warn("rebuild requested, dropping derived state",
		slog.Int("documents", len(all)),
	)

	for i := range all {
		e.invalidate(all[i].ID)
	}

	if err := e.registry.Reset(ctx); err != nil {
		return err
	}

	if err := e.store.RemoveAll(); err != nil {
		return fmt.Errorf("sync: removing derived files: %w", err)
	}

	return nil
}

// RunWatch performs an initial RunOnce and then converts changes as the
// observer reports them until ctx is canceled. Repeatedly unreadable
// documents are suppressed for a cooldown.
func (e *Engine) RunWatch(ctx context.Context, opts WatchOpts) error {
	if _, err := e.RunOnce(ctx, RunOpts{}); err != nil {
		return fmt.Errorf("sync: initial sync failed: %w", err)
	}

	e.failures = newFailureTracker(e.logger)

	ctx, cancel := context.WithCancel(ctx)

	pool := NewWorkerPool(e.tracker, e.processEvent, e.logger, e.queueSize)
	pool.Start(ctx, e.workers)

	buf := NewBuffer(e.logger)
	ready := buf.FlushDebounced(ctx, orDefault(opts.Debounce, defaultDebounce))

	events := make(chan ChangeEvent, watchEventBuffer)
	observerErr := make(chan error, 1)

	go func() {
		observerErr <- e.observer.Watch(ctx, e.sourceDir, events)
	}()

	bridgeDone := make(chan struct{})

	go func() {
		defer close(bridgeDone)

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				buf.Add(&ev)
			}
		}
	}()

	defer func() {
		cancel()

		// Drain until the debounce loop exits.
		for range ready {
		}

		<-bridgeDone
		pool.Stop()

		if dropped := e.observer.ResetDroppedEvents(); dropped > 0 {
			e.logger.Warn("change events dropped during watch", slog.Int64("dropped", dropped))
		}

		e.logger.Info("watch stopped")
	}()

	sweep := time.NewTicker(orphanSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			<-observerErr
			return nil

		case err := <-observerErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("sync: observer stopped: %w", err)
			}

			return nil

		case batch, ok := <-ready:
			if !ok {
				<-observerErr
				return nil
			}

			e.dispatch(ctx, pool, batch)

			if dropped := e.observer.ResetDroppedEvents(); dropped > 0 {
				e.logger.Warn("change events dropped, next safety scan will recover them",
					slog.Int64("dropped", dropped))
			}

		case <-sweep.C:
			if _, err := e.CollectOrphans(ctx); err != nil {
				e.logger.Warn("orphan collection failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch marks each changed document outdated and hands it to the pool.
func (e *Engine) dispatch(ctx context.Context, pool *WorkerPool, batch []ChangeEvent) {
	for i := range batch {
		ev := &batch[i]

		if ev.Type != ChangeDelete && e.failures != nil && e.failures.shouldSkip(ev.DocID) {
			e.logger.Debug("skipping suppressed document", slog.String("doc_id", ev.DocID))
			continue
		}

		e.markPending(ctx, ev)

		if err := pool.Submit(ctx, ev); err != nil {
			e.logger.Debug("dispatch interrupted", slog.String("error", err.Error()))
			return
		}
	}
}

// markPending moves a synced document whose source changed to outdated and
// drops its cache entries in the same critical section.
func (e *Engine) markPending(ctx context.Context, ev *ChangeEvent) {
	if ev.Type != ChangeModify {
		return
	}

	unlock := e.registry.Lock(ev.DocID)
	defer unlock()

	meta, ok := e.registry.Get(ev.DocID)
	if !ok || meta.Status != StatusSynced || (ev.Fingerprint != "" && ev.Fingerprint == meta.SourceFingerprint) {
		return
	}

	prev := meta.Status
	meta.Status = StatusOutdated
	meta.ObservedFingerprint = ev.Fingerprint

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		e.logger.Warn("failed to mark document outdated",
			slog.String("doc_id", ev.DocID), slog.String("error", err.Error()))

		return
	}

	e.invalidate(ev.DocID)
	e.publish(&meta, prev)
}

// CollectOrphans deletes orphaned documents whose grace period has
// elapsed: registry row, derived file and cache entries. It returns the
// number removed.
func (e *Engine) CollectOrphans(ctx context.Context) (int, error) {
	now := e.nowFunc()

	var (
		removed int
		errs    []error
	)

	for _, meta := range e.registry.ListByStatus(StatusOrphaned) {
		if now.Sub(meta.OrphanedAt) < e.orphanGrace {
			continue
		}

		if err := e.removeOrphan(ctx, meta.ID, now); err != nil {
			errs = append(errs, err)
			continue
		}

		removed++
	}

	if removed > 0 {
		e.logger.Info("expired orphans removed", slog.Int("removed", removed))
	}

	return removed, errors.Join(errs...)
}

func (e *Engine) removeOrphan(ctx context.Context, id string, now time.Time) error {
	unlock := e.registry.Lock(id)
	defer unlock()

	// The source may have reappeared since the listing.
	meta, ok := e.registry.Get(id)
	if !ok || meta.Status != StatusOrphaned || now.Sub(meta.OrphanedAt) < e.orphanGrace {
		return nil
	}

	if err := e.registry.Remove(ctx, id); err != nil {
		return err
	}

	e.invalidate(id)

	if err := e.store.Remove(id); err != nil {
		return fmt.Errorf("sync: removing derived file for %s: %w", id, err)
	}

	e.logger.Debug("orphan removed", slog.String("doc_id", id))

	return nil
}

// invalidate drops cache entries for id. Failures are logged; the entries
// are keyed by fingerprint and cannot be served for a newer source.
func (e *Engine) invalidate(id string) {
	if e.cache == nil {
		return
	}

	if err := e.cache.InvalidateDoc(id); err != nil {
		e.logger.Warn("cache invalidation failed",
			slog.String("doc_id", id), slog.String("error", err.Error()))
	}
}

// raise logs an alert at error level and forwards it to the handler.
func (e *Engine) raise(a Alert) {
	attrs := []any{slog.String("kind", string(a.Kind))}
	if a.DocID != "" {
		attrs = append(attrs, slog.String("doc_id", a.DocID))
	}

	if a.Err != nil {
		attrs = append(attrs, slog.String("error", a.Err.Error()))
	}

	e.logger.Error("alert", attrs...)

	if e.alerts != nil {
		e.alerts(a)
	}
}

func (e *Engine) publish(meta *DocMeta, from SyncStatus) {
	e.hub.publish(StatusEvent{
		DocID:       meta.ID,
		Path:        meta.Path,
		From:        from,
		To:          meta.Status,
		Fingerprint: meta.SourceFingerprint,
		At:          e.nowFunc().UTC(),
	})
}
