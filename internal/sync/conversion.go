package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/ctxsync/internal/codec"
	"github.com/tonimelisma/ctxsync/internal/convert"
)

// processEvent is the worker pool's job handler. It holds the document's
// registry lock for the whole job so the registry row, derived file and
// cache entries change together.
func (e *Engine) processEvent(ctx context.Context, ev *ChangeEvent) (outcome, error) {
	unlock := e.registry.Lock(ev.DocID)
	defer unlock()

	prev, had := e.registry.Get(ev.DocID)
	fsPath := filepath.Join(e.sourceDir, filepath.FromSlash(ev.Path))

	// A delete whose file is back (atomic-save editors rename the old file
	// away first) is treated as a modify.
	if ev.Type == ChangeDelete {
		if _, err := os.Lstat(fsPath); err != nil {
			return e.orphan(ctx, &prev, had)
		}
	}

	data, err := e.readSource(ctx, fsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return e.orphan(ctx, &prev, had)
	}

	if err != nil {
		return e.markUnreadable(ctx, ev, &prev, had, err)
	}

	if e.failures != nil {
		e.failures.recordSuccess(ev.DocID)
	}

	fp := codec.SourceFingerprint(data)

	if had && isCurrent(&prev, ev.Path, fp) {
		return e.restore(ctx, &prev, fp)
	}

	if !had || !prev.HasDerived() {
		if doc := e.adoptable(ev, fp); doc != nil {
			return e.commit(ctx, doc, &prev, had, outcomeAdopted)
		}
	}

	doc, err := e.converter.Convert(ev.DocID, ev.Path, data)
	if err != nil {
		return e.markInvalid(ctx, ev, &prev, had, fp, err)
	}

	if err := e.store.Save(doc); err != nil {
		return e.markSaveFailed(ctx, ev, &prev, had, err)
	}

	return e.commit(ctx, doc, &prev, had, outcomeConverted)
}

// readSource reads a source file, retrying transient failures with
// exponential backoff. A missing file is not retried.
func (e *Engine) readSource(ctx context.Context, fsPath string) ([]byte, error) {
	var data []byte

	backoff := retry.WithMaxRetries(uint64(e.readRetries), retry.NewExponential(e.readRetryBase))

	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		b, err := e.readFunc(fsPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return err
			}

			e.logger.Debug("source read failed, retrying",
				slog.String("path", fsPath), slog.String("error", err.Error()))

			return retry.RetryableError(err)
		}

		data = b

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}

	return data, nil
}

// isCurrent reports whether the registered derived representation was
// built from exactly these bytes at this path with the current schema.
func isCurrent(prev *DocMeta, relPath, fp string) bool {
	return prev.Status != StatusOrphaned &&
		prev.SourceFingerprint == fp &&
		prev.Path == relPath &&
		prev.SchemaVersion == convert.SchemaVersion
}

// restore returns a document whose source matches its derived file to
// synced without reconverting.
func (e *Engine) restore(ctx context.Context, prev *DocMeta, fp string) (outcome, error) {
	if prev.Status == StatusSynced && prev.ObservedFingerprint == fp {
		return outcomeUnchanged, nil
	}

	meta := *prev
	meta.Status = StatusSynced
	meta.ObservedFingerprint = fp
	meta.LastError = ""
	meta.LastSyncedAt = e.nowFunc().UTC()

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		return outcomeFailed, err
	}

	e.logger.Debug("document restored without reconversion", slog.String("doc_id", meta.ID))
	e.publish(&meta, prev.Status)

	return outcomeRestored, nil
}

// adoptable returns the stored derived file for ev when it was built from
// the current source bytes with the current schema, so a rebuilt registry
// does not reconvert unchanged documents.
func (e *Engine) adoptable(ev *ChangeEvent, fp string) *convert.Doc {
	doc, err := e.store.Load(ev.DocID)
	if err != nil {
		if !errors.Is(err, ErrDerivedNotFound) {
			e.logger.Debug("derived file not adoptable",
				slog.String("doc_id", ev.DocID), slog.String("error", err.Error()))
		}

		return nil
	}

	if doc.Meta.SourceFingerprint != fp || doc.Meta.SchemaVersion != convert.SchemaVersion || doc.Path != ev.Path {
		return nil
	}

	return doc
}

// commit records a freshly converted or adopted representation as synced.
func (e *Engine) commit(ctx context.Context, doc *convert.Doc, prev *DocMeta, had bool, result outcome) (outcome, error) {
	contentFP, err := doc.ContentFingerprint()
	if err != nil {
		return outcomeFailed, fmt.Errorf("sync: fingerprinting %s: %w", doc.ID, err)
	}

	now := e.nowFunc().UTC()
	meta := DocMeta{
		ID:                  doc.ID,
		Path:                doc.Path,
		Category:            doc.Meta.Category,
		Status:              StatusSynced,
		SourceFingerprint:   doc.Meta.SourceFingerprint,
		ObservedFingerprint: doc.Meta.SourceFingerprint,
		ContentFingerprint:  contentFP,
		SchemaVersion:       doc.Meta.SchemaVersion,
		ByteSize:            doc.Meta.ByteSize,
		EstimatedTokens:     doc.Meta.EstimatedTokens,
		GeneratedAt:         doc.Meta.GeneratedAt,
		LastSyncedAt:        now,
	}

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		return outcomeFailed, err
	}

	e.invalidate(doc.ID)

	var from SyncStatus
	if had {
		from = prev.Status
	}

	e.logger.Info("document synced",
		slog.String("doc_id", doc.ID),
		slog.String("path", doc.Path),
		slog.Bool("adopted", result == outcomeAdopted),
		slog.Int("estimated_tokens", meta.EstimatedTokens),
	)

	e.publish(&meta, from)

	return result, nil
}

// orphan marks a registered document whose source is gone. Unknown
// documents need nothing.
func (e *Engine) orphan(ctx context.Context, prev *DocMeta, had bool) (outcome, error) {
	if !had || prev.Status == StatusOrphaned {
		return outcomeUnchanged, nil
	}

	meta, err := e.registry.MarkOrphan(ctx, prev.ID, e.nowFunc().UTC())
	if err != nil {
		return outcomeFailed, err
	}

	e.invalidate(prev.ID)

	e.logger.Info("document orphaned",
		slog.String("doc_id", prev.ID),
		slog.String("path", prev.Path),
	)

	e.publish(&meta, prev.Status)

	return outcomeOrphaned, nil
}

// markUnreadable records a source that could not be read after every
// retry. The last good representation stays in place, flagged stale.
func (e *Engine) markUnreadable(
	ctx context.Context, ev *ChangeEvent, prev *DocMeta, had bool, readErr error,
) (outcome, error) {
	meta := failedMeta(ev, prev, had)
	meta.ObservedFingerprint = ""
	meta.LastError = readErr.Error()

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		return outcomeFailed, errors.Join(readErr, err)
	}

	e.invalidate(ev.DocID)

	if e.failures != nil {
		e.failures.recordFailure(ev.DocID, readErr.Error())
	}

	e.raise(Alert{Kind: AlertSourceUnreadable, DocID: ev.DocID, Err: readErr, At: e.nowFunc().UTC()})
	e.publish(&meta, statusOf(prev, had))

	return outcomeFailed, readErr
}

// markInvalid records a source that failed the derived schema. The
// previous representation is retained and the violation logged.
func (e *Engine) markInvalid(
	ctx context.Context, ev *ChangeEvent, prev *DocMeta, had bool, fp string, convErr error,
) (outcome, error) {
	meta := failedMeta(ev, prev, had)
	meta.ObservedFingerprint = fp
	meta.LastError = convErr.Error()

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		return outcomeFailed, errors.Join(convErr, err)
	}

	e.invalidate(ev.DocID)

	e.logger.Warn("conversion rejected, keeping previous representation",
		slog.String("doc_id", ev.DocID),
		slog.String("path", ev.Path),
		slog.Bool("has_previous", meta.HasDerived()),
		slog.String("error", convErr.Error()),
	)

	e.publish(&meta, statusOf(prev, had))

	return outcomeFailed, fmt.Errorf("sync: converting %s: %w", ev.DocID, convErr)
}

// markSaveFailed records a conversion whose derived file could not be
// written. The observed fingerprint is cleared so the next scan retries.
func (e *Engine) markSaveFailed(
	ctx context.Context, ev *ChangeEvent, prev *DocMeta, had bool, saveErr error,
) (outcome, error) {
	meta := failedMeta(ev, prev, had)
	meta.ObservedFingerprint = ""
	meta.LastError = saveErr.Error()

	if err := e.registry.Upsert(ctx, &meta); err != nil {
		return outcomeFailed, errors.Join(saveErr, err)
	}

	e.invalidate(ev.DocID)

	e.logger.Error("saving derived representation failed, keeping previous",
		slog.String("doc_id", ev.DocID),
		slog.String("path", ev.Path),
		slog.Bool("has_previous", meta.HasDerived()),
		slog.String("error", saveErr.Error()),
	)

	e.publish(&meta, statusOf(prev, had))

	return outcomeFailed, fmt.Errorf("sync: saving derived %s: %w", ev.DocID, saveErr)
}

// failedMeta starts an error-status row from the previous one, or from the
// event when the document has never been registered.
func failedMeta(ev *ChangeEvent, prev *DocMeta, had bool) DocMeta {
	meta := DocMeta{ID: ev.DocID, Path: ev.Path}
	if had {
		meta = *prev
	}

	meta.Path = ev.Path
	meta.Status = StatusError
	meta.OrphanedAt = time.Time{}

	return meta
}

func statusOf(prev *DocMeta, had bool) SyncStatus {
	if !had {
		return ""
	}

	return prev.Status
}
