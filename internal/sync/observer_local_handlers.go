package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchLoop is the main select loop for Watch(). It processes fsnotify events,
// watcher errors, safety scan ticks, and context cancellation.
func (o *LocalObserver) watchLoop(
	ctx context.Context, watcher FsWatcher, rootDir string, events chan<- ChangeEvent,
) error {
	interval := o.safetyScanInterval
	if interval <= 0 {
		interval = defaultSafetyScanInterval
	}

	safetyTicker := time.NewTicker(interval)
	defer safetyTicker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			o.handleFsEvent(ctx, fsEvent, watcher, rootDir, events)

			// Successful event resets error backoff.
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Exponential backoff prevents a tight loop under sustained
			// errors such as kernel queue overflow.
			if sleepErr := o.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-safetyTicker.C:
			o.runSafetyScan(ctx, rootDir, events)
			errBackoff = watchErrInitBackoff
		}
	}
}

// handleFsEvent processes a single fsnotify event and sends the appropriate
// ChangeEvent to the output channel.
func (o *LocalObserver) handleFsEvent(
	ctx context.Context, fsEvent fsnotify.Event, watcher FsWatcher,
	rootDir string, events chan<- ChangeEvent,
) {
	// Mode changes do not change content.
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	relPath, err := filepath.Rel(rootDir, fsEvent.Name)
	if err != nil {
		o.logger.Warn("failed to compute relative path",
			slog.String("path", fsEvent.Name), slog.String("error", err.Error()))

		return
	}

	relPath = nfcNormalize(filepath.ToSlash(relPath))

	if o.filter.isMarkerFile(filepath.Base(relPath)) {
		o.handleMarkerChange(ctx, relPath, rootDir, events)
		return
	}

	switch {
	case fsEvent.Has(fsnotify.Create):
		o.handleCreate(ctx, fsEvent.Name, relPath, watcher, events)

	case fsEvent.Has(fsnotify.Write):
		o.handleWrite(ctx, fsEvent.Name, relPath, events)

	case fsEvent.Has(fsnotify.Remove) || fsEvent.Has(fsnotify.Rename):
		o.handleDelete(ctx, relPath, events)
	}
}

// handleMarkerChange drops the cached marker for its directory and rescans,
// since an edited marker can include or exclude any number of documents.
func (o *LocalObserver) handleMarkerChange(
	ctx context.Context, relPath, rootDir string, events chan<- ChangeEvent,
) {
	dir := filepath.Dir(filepath.FromSlash(relPath))
	o.filter.forgetMarker(dir)

	o.logger.Info("ignore marker changed, rescanning", slog.String("path", relPath))
	o.runSafetyScan(ctx, rootDir, events)
}

// handleCreate processes a Create event: add a watch for directories (and
// report what they already contain), or treat a file like a write.
func (o *LocalObserver) handleCreate(
	ctx context.Context, fsPath, relPath string,
	watcher FsWatcher, events chan<- ChangeEvent,
) {
	info, err := os.Stat(fsPath)
	if err != nil {
		// Removed immediately after creation.
		o.logger.Debug("stat failed for created path",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	if !info.IsDir() {
		o.handleFile(ctx, fsPath, relPath, info, ChangeCreate, events)
		return
	}

	if r := o.filter.ShouldSync(relPath, true, 0); !r.Included {
		return
	}

	if addErr := watcher.Add(fsPath); addErr != nil {
		o.logger.Warn("failed to add watch on new directory",
			slog.String("path", relPath), slog.String("error", addErr.Error()))
	}

	// Files created before the watch was registered produce no events of
	// their own. Duplicates are harmless; the buffer coalesces by ID.
	o.scanNewDirectory(ctx, fsPath, relPath, watcher, events)
}

// scanNewDirectory walks a newly created directory, adding watches on
// nested directories and sending a create for every document present.
func (o *LocalObserver) scanNewDirectory(
	ctx context.Context, dirPath, dirRelPath string,
	watcher FsWatcher, events chan<- ChangeEvent,
) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		o.logger.Debug("scan new directory failed",
			slog.String("path", dirRelPath), slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		entryFsPath := filepath.Join(dirPath, entry.Name())
		entryRelPath := dirRelPath + "/" + nfcNormalize(entry.Name())

		if entry.IsDir() {
			if r := o.filter.ShouldSync(entryRelPath, true, 0); !r.Included {
				continue
			}

			if addErr := watcher.Add(entryFsPath); addErr != nil {
				o.logger.Warn("failed to add watch on nested directory",
					slog.String("path", entryRelPath), slog.String("error", addErr.Error()))
			}

			o.scanNewDirectory(ctx, entryFsPath, entryRelPath, watcher, events)

			continue
		}

		info, statErr := entry.Info()
		if statErr != nil {
			continue
		}

		o.handleFile(ctx, entryFsPath, entryRelPath, info, ChangeCreate, events)
	}
}

// handleWrite processes a Write event.
func (o *LocalObserver) handleWrite(
	ctx context.Context, fsPath, relPath string, events chan<- ChangeEvent,
) {
	info, err := os.Stat(fsPath)
	if err != nil {
		o.logger.Debug("stat failed for modified path",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	// Directory mtime changes are noise.
	if info.IsDir() {
		return
	}

	o.handleFile(ctx, fsPath, relPath, info, ChangeModify, events)
}

// handleFile filters, hashes and classifies one file against the registry.
// A write that leaves the fingerprint unchanged sends nothing.
func (o *LocalObserver) handleFile(
	ctx context.Context, fsPath, relPath string, info os.FileInfo,
	changeType ChangeType, events chan<- ChangeEvent,
) {
	if r := o.filter.ShouldSync(relPath, false, info.Size()); !r.Included {
		return
	}

	docID := DocIDForPath(relPath)
	if !o.ownsID(docID, relPath) {
		o.logger.Warn("duplicate document ID, keeping first path",
			slog.String("doc_id", docID),
			slog.String("skipped", relPath),
		)

		return
	}

	fp, err := fingerprintFile(fsPath)
	if err != nil {
		o.logger.Warn("hash failed for changed file",
			slog.String("path", relPath), slog.String("error", err.Error()))
	}

	c := candidate{
		docID:   docID,
		relPath: relPath,
		fsPath:  fsPath,
		size:    info.Size(),
		mtime:   info.ModTime().UnixNano(),
	}

	ev := o.classify(&c, fp)
	if ev == nil {
		return
	}

	if ev.Type != ChangeCreate {
		ev.Type = changeType
	}

	o.trySend(ctx, events, ev)
}

// ownsID reports whether relPath may supply docID. A registered document
// keeps its path while that path sorts first and is not orphaned.
func (o *LocalObserver) ownsID(docID, relPath string) bool {
	meta, ok := o.registry.Get(docID)
	if !ok || meta.Status == StatusOrphaned || meta.Path == relPath {
		return true
	}

	return relPath < meta.Path
}

// handleDelete processes a Remove/Rename event. Only the path that owns a
// document ID can delete it. A removed or renamed directory deletes every
// document registered below it.
func (o *LocalObserver) handleDelete(
	ctx context.Context, relPath string, events chan<- ChangeEvent,
) {
	docID := DocIDForPath(relPath)

	if meta, ok := o.registry.Get(docID); ok && meta.Path == relPath {
		if meta.Status != StatusOrphaned {
			o.trySend(ctx, events, &ChangeEvent{Type: ChangeDelete, DocID: docID, Path: relPath})
		}

		return
	}

	prefix := relPath + "/"

	for _, meta := range o.registry.All() {
		if meta.Status == StatusOrphaned || !strings.HasPrefix(meta.Path, prefix) {
			continue
		}

		o.trySend(ctx, events, &ChangeEvent{Type: ChangeDelete, DocID: meta.ID, Path: meta.Path})
	}
}

// runSafetyScan performs a full scan as a safety net, sending any detected
// changes to the events channel. This catches events that fsnotify missed
// or that were dropped under backpressure.
func (o *LocalObserver) runSafetyScan(ctx context.Context, rootDir string, events chan<- ChangeEvent) {
	o.logger.Debug("running safety scan")

	scanEvents, err := o.FullScan(ctx, rootDir)
	if err != nil {
		o.logger.Warn("safety scan failed", slog.String("error", err.Error()))
		return
	}

	for i := range scanEvents {
		o.trySend(ctx, events, &scanEvents[i])

		if ctx.Err() != nil {
			return
		}
	}

	o.logger.Debug("safety scan complete", slog.Int("events", len(scanEvents)))
}
