package sync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// Watch tuning defaults.
const (
	defaultSafetyScanInterval = 5 * time.Minute
	watchErrInitBackoff       = time.Second
	watchErrMaxBackoff        = 30 * time.Second
	watchErrBackoffMult       = 2
	defaultScanWorkers        = 4
)

// FsWatcher is the subset of fsnotify.Watcher the observer uses, so tests
// can drive the watch loop with synthetic events.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// RegistryReader is the read side of the registry the observer compares
// against.
type RegistryReader interface {
	Get(id string) (DocMeta, bool)
	All() []DocMeta
}

// LocalObserver walks the source root and produces ChangeEvents by
// comparing each document's fingerprint against the registry. Stateless
// apart from its dropped-event counter; rootDir is a parameter of FullScan
// and Watch.
type LocalObserver struct {
	registry RegistryReader
	filter   *FilterEngine
	logger   *slog.Logger

	scanWorkers        int
	safetyScanInterval time.Duration
	watcherFactory     func() (FsWatcher, error)
	sleepFunc          func(ctx context.Context, d time.Duration) error

	droppedEvents atomic.Int64
}

// NewLocalObserver creates a LocalObserver. The registry is read-only
// during observation.
func NewLocalObserver(registry RegistryReader, filter *FilterEngine, logger *slog.Logger) *LocalObserver {
	return &LocalObserver{
		registry:           registry,
		filter:             filter,
		logger:             logger,
		scanWorkers:        defaultScanWorkers,
		safetyScanInterval: defaultSafetyScanInterval,
		watcherFactory:     newFsnotifyWatcher,
		sleepFunc:          timeSleep,
	}
}

// candidate is a file that passed the filter during a walk.
type candidate struct {
	docID   string
	relPath string
	fsPath  string
	size    int64
	mtime   int64
}

// FullScan walks rootDir and returns change events for every document
// whose fingerprint differs from the registry's observed fingerprint, plus
// deletes for registered documents that were not seen. Files are hashed in
// parallel.
func (o *LocalObserver) FullScan(ctx context.Context, rootDir string) ([]ChangeEvent, error) {
	o.logger.Info("local observer starting full scan",
		slog.String("source_dir", rootDir),
	)

	if err := checkRoot(rootDir); err != nil {
		return nil, err
	}

	candidates, err := o.walk(ctx, rootDir)
	if err != nil {
		return nil, err
	}

	events, err := o.hashCandidates(ctx, candidates)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]bool, len(candidates))
	for i := range candidates {
		observed[candidates[i].docID] = true
	}

	deletions := o.detectDeletions(observed)
	events = append(events, deletions...)

	sort.Slice(events, func(i, j int) bool { return events[i].DocID < events[j].DocID })

	o.logger.Info("local observer completed full scan",
		slog.Int("events", len(events)),
		slog.Int("observed", len(observed)),
		slog.Int("deletions", len(deletions)),
	)

	return events, nil
}

// checkRoot refuses to scan a missing or non-directory root: an unmounted
// source directory must not orphan every document.
func checkRoot(rootDir string) error {
	info, err := os.Stat(rootDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceRoot, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSourceRoot, rootDir)
	}

	return nil
}

// walk collects filtered candidate files. When two files map to the same
// document ID, the lexicographically first path wins.
func (o *LocalObserver) walk(ctx context.Context, rootDir string) ([]candidate, error) {
	byID := make(map[string]candidate)

	err := filepath.WalkDir(rootDir, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("walk error", slog.String("path", fsPath), slog.String("error", walkErr.Error()))
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if fsPath == rootDir {
			return nil
		}

		c, ok, err := o.classifyEntry(rootDir, fsPath, d)
		if err != nil || !ok {
			return err
		}

		if prev, dup := byID[c.docID]; dup {
			winner, loser := prev, c
			if c.relPath < prev.relPath {
				winner, loser = c, prev
			}

			o.logger.Warn("duplicate document ID, keeping first path",
				slog.String("doc_id", c.docID),
				slog.String("kept", winner.relPath),
				slog.String("skipped", loser.relPath),
			)

			byID[c.docID] = winner

			return nil
		}

		byID[c.docID] = c

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync: local scan canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("sync: walking %s: %w", rootDir, err)
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].docID < out[j].docID })

	return out, nil
}

// classifyEntry applies the filter to one walk entry. It returns
// filepath.SkipDir for excluded directories and ok=false for entries that
// are not candidate files.
func (o *LocalObserver) classifyEntry(rootDir, fsPath string, d fs.DirEntry) (candidate, bool, error) {
	relPath, err := filepath.Rel(rootDir, fsPath)
	if err != nil {
		return candidate{}, false, fmt.Errorf("sync: computing relative path for %s: %w", fsPath, err)
	}

	relPath = nfcNormalize(filepath.ToSlash(relPath))

	if d.Type()&fs.ModeSymlink != 0 {
		if o.filter.IsSkippedSymlink() {
			o.logger.Debug("skipping symlink", slog.String("path", relPath))
			return candidate{}, false, nil
		}

		// Follow symlinked files only; symlinked directories are not walked.
		info, statErr := os.Stat(fsPath)
		if statErr != nil || info.IsDir() {
			return candidate{}, false, nil
		}

		return o.fileCandidate(fsPath, relPath, info)
	}

	if d.IsDir() {
		if r := o.filter.ShouldSync(relPath, true, 0); !r.Included {
			return candidate{}, false, filepath.SkipDir
		}

		return candidate{}, false, nil
	}

	if !d.Type().IsRegular() {
		return candidate{}, false, nil
	}

	info, err := d.Info()
	if err != nil {
		// File disappeared between readdir and stat.
		o.logger.Warn("stat failed (file may have disappeared)",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return candidate{}, false, nil
	}

	return o.fileCandidate(fsPath, relPath, info)
}

func (o *LocalObserver) fileCandidate(fsPath, relPath string, info fs.FileInfo) (candidate, bool, error) {
	if r := o.filter.ShouldSync(relPath, false, info.Size()); !r.Included {
		return candidate{}, false, nil
	}

	return candidate{
		docID:   DocIDForPath(relPath),
		relPath: relPath,
		fsPath:  fsPath,
		size:    info.Size(),
		mtime:   info.ModTime().UnixNano(),
	}, true, nil
}

// hashCandidates fingerprints candidates with bounded parallelism and
// keeps those that differ from the registry. A file that cannot be hashed
// yields an event with an empty fingerprint; the worker's retrying read
// decides its fate.
func (o *LocalObserver) hashCandidates(ctx context.Context, candidates []candidate) ([]ChangeEvent, error) {
	results := make([]*ChangeEvent, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.scanWorkers, 1))

	for i := range candidates {
		c := &candidates[i]

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			fp, err := fingerprintFile(c.fsPath)
			if err != nil {
				o.logger.Warn("hash computation failed",
					slog.String("path", c.relPath), slog.String("error", err.Error()))
			}

			results[i] = o.classify(c, fp)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync: local scan canceled: %w", err)
	}

	events := make([]ChangeEvent, 0, len(results))
	for _, ev := range results {
		if ev != nil {
			events = append(events, *ev)
		}
	}

	return events, nil
}

// classify compares an observed file against the registry. Unknown and
// orphaned documents are creates; a changed or unknown fingerprint, a
// moved owning path, or a pending conversion is a modify.
func (o *LocalObserver) classify(c *candidate, fp string) *ChangeEvent {
	ev := &ChangeEvent{
		Type:        ChangeModify,
		DocID:       c.docID,
		Path:        c.relPath,
		Fingerprint: fp,
		Size:        c.size,
		Mtime:       c.mtime,
	}

	meta, ok := o.registry.Get(c.docID)
	if !ok || meta.Status == StatusOrphaned {
		ev.Type = ChangeCreate
		return ev
	}

	// Outdated documents have a conversion pending and are always resent.
	settled := meta.Status == StatusSynced || meta.Status == StatusError
	if settled && fp != "" && fp == meta.ObservedFingerprint && c.relPath == meta.Path {
		return nil
	}

	return ev
}

// detectDeletions finds registered documents that were not observed
// during the walk. Orphans are already deleted.
func (o *LocalObserver) detectDeletions(observed map[string]bool) []ChangeEvent {
	var events []ChangeEvent

	for _, meta := range o.registry.All() {
		if observed[meta.ID] || meta.Status == StatusOrphaned {
			continue
		}

		events = append(events, ChangeEvent{
			Type:  ChangeDelete,
			DocID: meta.ID,
			Path:  meta.Path,
		})
	}

	return events
}

// Watch runs until ctx is canceled, sending a ChangeEvent for each
// document modified under rootDir. Directories created while watching are
// added to the watcher and their existing contents reported. A periodic
// full scan catches anything the watcher missed.
func (o *LocalObserver) Watch(ctx context.Context, rootDir string, events chan<- ChangeEvent) error {
	if err := checkRoot(rootDir); err != nil {
		return err
	}

	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := o.addWatchesRecursive(ctx, rootDir, watcher); err != nil {
		return err
	}

	o.logger.Info("local observer watching",
		slog.String("source_dir", rootDir),
		slog.Duration("safety_scan_interval", o.safetyScanInterval),
	)

	return o.watchLoop(ctx, watcher, rootDir, events)
}

// addWatchesRecursive registers rootDir and every included directory
// below it.
func (o *LocalObserver) addWatchesRecursive(ctx context.Context, rootDir string, watcher FsWatcher) error {
	return filepath.WalkDir(rootDir, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !d.IsDir() {
			return nil
		}

		if fsPath != rootDir {
			relPath, relErr := filepath.Rel(rootDir, fsPath)
			if relErr != nil {
				return skipEntry(d)
			}

			if r := o.filter.ShouldSync(nfcNormalize(filepath.ToSlash(relPath)), true, 0); !r.Included {
				return filepath.SkipDir
			}
		}

		if err := watcher.Add(fsPath); err != nil {
			return fmt.Errorf("sync: watching %s: %w", fsPath, err)
		}

		return nil
	})
}

// trySend delivers ev without blocking. A full channel drops the event and
// counts it; the next safety scan recovers it.
func (o *LocalObserver) trySend(ctx context.Context, events chan<- ChangeEvent, ev *ChangeEvent) {
	select {
	case events <- *ev:
	case <-ctx.Done():
	default:
		o.droppedEvents.Add(1)
		o.logger.Warn("change event dropped: channel full",
			slog.String("doc_id", ev.DocID),
			slog.String("type", ev.Type.String()),
		)
	}
}

// ResetDroppedEvents returns and zeroes the dropped-event counter.
func (o *LocalObserver) ResetDroppedEvents() int64 {
	return o.droppedEvents.Swap(0)
}

// fingerprintFile streams the file through BLAKE3 and returns the hex
// digest. Matches codec.SourceFingerprint of the same bytes.
func fingerprintFile(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", fsPath, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// skipEntry returns filepath.SkipDir for directories (to skip the subtree)
// or nil for files (to continue the walk with the next entry).
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
