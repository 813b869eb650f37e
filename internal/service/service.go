// Package service exposes the engine's read side: progressive context
// loads, path lookups, array queries and sync status. Every read resolves
// a document snapshot through an explicit fallback chain: cache, then the
// derived store, then an on-demand conversion of the source.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/codec"
	"github.com/tonimelisma/ctxsync/internal/convert"
	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

// defaultSnapshotWait bounds how long a read waits for an in-flight
// conversion before serving the previous snapshot.
const defaultSnapshotWait = 2 * time.Second

// shapeDoc is the cache shape of a whole derived document.
const shapeDoc = "doc"

var (
	// ErrDocumentNotFound is returned for IDs the registry does not know.
	ErrDocumentNotFound = errors.New("service: document not found")
	// ErrOrphaned is returned when loading a document whose source was
	// deleted.
	ErrOrphaned = errors.New("service: document orphaned")
	// ErrUnavailable is returned for documents that have never converted
	// successfully.
	ErrUnavailable = errors.New("service: no representation available")
)

// Engine is the write side the service reads from. Satisfied by
// *sync.Engine.
type Engine interface {
	Registry() *sync.Registry
	Store() *sync.DerivedStore
	Converter() *convert.Converter
	SourceDir() string
	InFlight(docID string) bool
	WaitForDocument(ctx context.Context, docID string, timeout time.Duration) bool
	Subscribe(buffer int) (<-chan sync.StatusEvent, func())
}

// Options configures a Service.
type Options struct {
	Engine           Engine
	Cache            *cache.Manager
	Sections         loader.SectionMapper // level-3 section mapping; optional
	SessionLimit     int                  // tokens per session; 0 = unlimited
	Multipliers      []float64
	BudgetStartLevel int
	SnapshotWait     time.Duration
	Logger           *slog.Logger
}

// Service is the Load/Query API over one engine.
type Service struct {
	engine       Engine
	cache        *cache.Manager
	loader       *loader.Loader
	snapshotWait time.Duration
	logger       *slog.Logger

	// group collapses concurrent population of the same cache key.
	group singleflight.Group
}

// New creates a Service.
func New(opts Options) *Service {
	s := &Service{
		engine:       opts.Engine,
		cache:        opts.Cache,
		snapshotWait: opts.SnapshotWait,
		logger:       opts.Logger,
	}

	if s.snapshotWait <= 0 {
		s.snapshotWait = defaultSnapshotWait
	}

	s.loader = loader.New(s, loader.NewAllocator(opts.SessionLimit, opts.Logger), opts.Sections, loader.Options{
		Multipliers:      opts.Multipliers,
		BudgetStartLevel: opts.BudgetStartLevel,
		Logger:           opts.Logger,
	})

	return s
}

// LoadContext delivers a document at the best level that fits the
// request and the session budget.
func (s *Service) LoadContext(ctx context.Context, req loader.Request) (*loader.Result, error) {
	req.DocID = sync.NormalizeDocID(req.DocID)

	return s.loader.Load(ctx, req)
}

// LoadBatch delivers several documents for one session, arbitrating the
// session's budget by priority.
func (s *Service) LoadBatch(ctx context.Context, session string, reqs []loader.Request) []loader.BatchResult {
	normalized := make([]loader.Request, len(reqs))
	for i, r := range reqs {
		r.DocID = sync.NormalizeDocID(r.DocID)
		normalized[i] = r
	}

	return s.loader.LoadBatch(ctx, session, normalized)
}

// GetSyncStatus returns the document's sync status.
func (s *Service) GetSyncStatus(docID string) (sync.SyncStatus, bool) {
	meta, ok := s.engine.Registry().Get(sync.NormalizeDocID(docID))
	if !ok {
		return "", false
	}

	return meta.Status, true
}

// Document returns the document's registry row.
func (s *Service) Document(docID string) (sync.DocMeta, bool) {
	return s.engine.Registry().Get(sync.NormalizeDocID(docID))
}

// Documents returns every registered document, sorted by ID.
func (s *Service) Documents() []sync.DocMeta {
	return s.engine.Registry().All()
}

// Counts returns the number of documents per status.
func (s *Service) Counts() map[sync.SyncStatus]int {
	return s.engine.Registry().Counts()
}

// Ledger returns the session's budget counters.
func (s *Service) Ledger(session string) loader.LedgerSnapshot {
	return s.loader.Allocator().Snapshot(session)
}

// Ledgers returns every session's budget counters.
func (s *Service) Ledgers() []loader.LedgerSnapshot {
	return s.loader.Allocator().Snapshots()
}

// ResetLedger clears a session's consumption.
func (s *Service) ResetLedger(session string) bool {
	return s.loader.Allocator().Reset(session)
}

// CacheStats returns the cache counters, or zero values without a cache.
func (s *Service) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}

	return s.cache.Stats()
}

// Subscribe streams status transitions from the engine.
func (s *Service) Subscribe(buffer int) (<-chan sync.StatusEvent, func()) {
	return s.engine.Subscribe(buffer)
}

// Snapshot resolves docID to its current readable version. A document with
// a conversion in flight is waited on up to the snapshot wait; if it does
// not finish, or its last conversion failed, the previous representation is
// served flagged stale.
func (s *Service) Snapshot(ctx context.Context, docID string) (*loader.Snapshot, error) {
	meta, pending, err := s.currentMeta(ctx, docID)
	if err != nil {
		return nil, err
	}

	doc, err := s.document(ctx, &meta)
	if err != nil {
		return nil, err
	}

	return &loader.Snapshot{
		Doc:   doc,
		Meta:  loaderMeta(&meta),
		Stale: pending || meta.Status != sync.StatusSynced,
	}, nil
}

// currentMeta returns docID's registry row. pending is set when a
// conversion was still in flight after the snapshot wait.
func (s *Service) currentMeta(ctx context.Context, docID string) (meta sync.DocMeta, pending bool, err error) {
	reg := s.engine.Registry()

	meta, ok := reg.Get(docID)
	if !ok {
		return sync.DocMeta{}, false, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}

	if meta.Status == sync.StatusOutdated || s.engine.InFlight(docID) {
		if s.engine.WaitForDocument(ctx, docID, s.snapshotWait) {
			meta, ok = reg.Get(docID)
			if !ok {
				return sync.DocMeta{}, false, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
			}
		} else {
			pending = true

			s.logger.Debug("conversion still in flight, serving previous snapshot",
				slog.String("doc_id", docID),
				slog.Duration("waited", s.snapshotWait),
			)
		}
	}

	if err := ctx.Err(); err != nil {
		return sync.DocMeta{}, false, err
	}

	if meta.Status == sync.StatusOrphaned {
		return sync.DocMeta{}, false, fmt.Errorf("%w: %s", ErrOrphaned, docID)
	}

	if !meta.HasDerived() {
		return sync.DocMeta{}, false, fmt.Errorf("%w: %s: %s", ErrUnavailable, docID, meta.LastError)
	}

	return meta, pending, nil
}

// document returns the derived document for meta's fingerprint: from the
// cache, else from the derived store, else by converting the source.
func (s *Service) document(ctx context.Context, meta *sync.DocMeta) (*convert.Doc, error) {
	key := cache.Key{DocID: meta.ID, Fingerprint: meta.SourceFingerprint, Shape: shapeDoc}

	if s.cache != nil {
		if entry, ok := s.cache.Get(key).Get(); ok {
			doc, err := decodeDoc(entry.Value)
			if err == nil {
				return doc, nil
			}

			s.logger.Warn("cached document undecodable, reloading",
				slog.String("doc_id", meta.ID), slog.String("error", err.Error()))
		}
	}

	ch := s.group.DoChan(key.String(), func() (any, error) {
		return s.populate(key, meta)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}

		doc, ok := r.Val.(*convert.Doc)
		if !ok {
			return nil, fmt.Errorf("service: unexpected snapshot type %T", r.Val)
		}

		return doc, nil
	}
}

// populate loads the derived document and caches it. Documents converted
// on demand from a source that has moved past meta are served uncached.
func (s *Service) populate(key cache.Key, meta *sync.DocMeta) (*convert.Doc, error) {
	doc, err := s.engine.Store().Load(meta.ID)

	switch {
	case err == nil && doc.Meta.SourceFingerprint == meta.SourceFingerprint:
		// Derived file matches the registry.
	case err != nil && !errors.Is(err, sync.ErrDerivedNotFound):
		s.logger.Warn("derived file unreadable, converting source",
			slog.String("doc_id", meta.ID), slog.String("error", err.Error()))

		fallthrough
	default:
		doc, err = s.convertSource(meta)
		if err != nil {
			return nil, err
		}
	}

	if s.cache != nil && doc.Meta.SourceFingerprint == key.Fingerprint {
		b, err := codec.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("service: encoding %s: %w", meta.ID, err)
		}

		s.cache.Put(key, b)
	}

	return doc, nil
}

func (s *Service) convertSource(meta *sync.DocMeta) (*convert.Doc, error) {
	fsPath := filepath.Join(s.engine.SourceDir(), filepath.FromSlash(meta.Path))

	data, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", sync.ErrSourceUnreadable, meta.ID, err)
	}

	doc, err := s.engine.Converter().Convert(meta.ID, meta.Path, data)
	if err != nil {
		return nil, fmt.Errorf("service: converting %s on demand: %w", meta.ID, err)
	}

	s.logger.Debug("converted on demand", slog.String("doc_id", meta.ID))

	return doc, nil
}

func decodeDoc(b []byte) (*convert.Doc, error) {
	var doc convert.Doc
	if err := codec.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("service: decoding cached document: %w", err)
	}

	if err := doc.Normalize(); err != nil {
		return nil, fmt.Errorf("service: decoding cached document: %w", err)
	}

	return &doc, nil
}

func loaderMeta(m *sync.DocMeta) loader.Meta {
	return loader.Meta{
		DocID:             m.ID,
		Path:              m.Path,
		Category:          m.Category,
		Status:            string(m.Status),
		SourceFingerprint: m.SourceFingerprint,
		SchemaVersion:     m.SchemaVersion,
		GeneratedAt:       m.GeneratedAt,
		LastSyncedAt:      m.LastSyncedAt,
		ByteSize:          m.ByteSize,
		EstimatedTokens:   m.EstimatedTokens,
	}
}
