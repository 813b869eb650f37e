package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for registry operations.
const (
	sqlLoadDocuments = `SELECT id, path, category, status, source_fingerprint,
		observed_fingerprint, content_fingerprint, schema_version, byte_size,
		estimated_tokens, generated_at, last_synced_at, orphaned_at, last_error
		FROM documents`

	sqlUpsertDocument = `INSERT INTO documents
		(id, path, category, status, source_fingerprint, observed_fingerprint,
		 content_fingerprint, schema_version, byte_size, estimated_tokens,
		 generated_at, last_synced_at, orphaned_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 path = excluded.path,
		 category = excluded.category,
		 status = excluded.status,
		 source_fingerprint = excluded.source_fingerprint,
		 observed_fingerprint = excluded.observed_fingerprint,
		 content_fingerprint = excluded.content_fingerprint,
		 schema_version = excluded.schema_version,
		 byte_size = excluded.byte_size,
		 estimated_tokens = excluded.estimated_tokens,
		 generated_at = excluded.generated_at,
		 last_synced_at = excluded.last_synced_at,
		 orphaned_at = excluded.orphaned_at,
		 last_error = excluded.last_error`

	sqlDeleteDocument = `DELETE FROM documents WHERE id = ?`

	sqlDeleteAllDocuments = `DELETE FROM documents`

	sqlQuickCheck = `PRAGMA quick_check`
)

// docIndex maps document IDs to their current metadata. The map itself is
// copy-on-write and only replaced when an ID is inserted or removed; an
// existing ID's metadata is swapped through its own atomic pointer.
type docIndex map[string]*atomic.Pointer[DocMeta]

// Registry is the authoritative map from document ID to sync metadata. It
// is the sole writer to the registry database. Reads are served from an
// in-memory index without locking; writes to one document are serialized
// by that document's lock (see Lock).
type Registry struct {
	db     *sql.DB
	logger *slog.Logger

	index atomic.Pointer[docIndex]

	// structMu guards insertion and removal of IDs in the index.
	structMu stdsync.Mutex

	locksMu stdsync.Mutex
	locks   map[string]*docLock

	recovered    bool
	recoverCause error
}

// docLock is a reference-counted per-document mutex.
type docLock struct {
	mu   stdsync.Mutex
	refs int
}

// OpenRegistry opens the registry database at dbPath, runs migrations, and
// loads the index. A database that fails its integrity check, cannot be
// migrated, or cannot be read is moved aside and replaced by an empty one;
// Recovered then reports true and the caller is expected to rebuild from
// sources.
func OpenRegistry(ctx context.Context, dbPath string, logger *slog.Logger) (*Registry, error) {
	r, err := openRegistry(ctx, dbPath, logger)
	if err == nil {
		return r, nil
	}

	if !errors.Is(err, ErrRegistryCorrupt) {
		return nil, err
	}

	logger.Error("registry database corrupt, moving aside and rebuilding",
		slog.String("db_path", dbPath),
		slog.String("error", err.Error()),
	)

	if moveErr := moveAside(dbPath, time.Now()); moveErr != nil {
		return nil, fmt.Errorf("sync: moving corrupt registry aside: %w", moveErr)
	}

	fresh, freshErr := openRegistry(ctx, dbPath, logger)
	if freshErr != nil {
		return nil, fmt.Errorf("sync: recreating registry: %w", freshErr)
	}

	fresh.recovered = true
	fresh.recoverCause = err

	return fresh, nil
}

func openRegistry(ctx context.Context, dbPath string, logger *slog.Logger) (*Registry, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := quickCheck(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupt, err)
	}

	r := &Registry{
		db:     db,
		logger: logger,
		locks:  make(map[string]*docLock),
	}

	if err := r.load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupt, err)
	}

	logger.Info("registry opened",
		slog.String("db_path", dbPath),
		slog.Int("documents", r.Len()),
	)

	return r, nil
}

// quickCheck runs SQLite's integrity check. Any failure, including the
// database not being a database at all, is reported as corruption.
func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, sqlQuickCheck).Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check: %w", ErrRegistryCorrupt, err)
	}

	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", ErrRegistryCorrupt, result)
	}

	return nil
}

// moveAside renames the database and its WAL side files to
// <path>.corrupt-<unix>. Missing side files are ignored.
func moveAside(dbPath string, now time.Time) error {
	suffix := fmt.Sprintf(".corrupt-%d", now.Unix())

	for _, ext := range []string{"", "-wal", "-shm"} {
		err := os.Rename(dbPath+ext, dbPath+suffix+ext)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	return nil
}

// Recovered reports whether OpenRegistry replaced a corrupt database.
func (r *Registry) Recovered() (bool, error) {
	return r.recovered, r.recoverCause
}

// SchemaVersion returns the applied registry migration version.
func (r *Registry) SchemaVersion(ctx context.Context) (int64, error) {
	return schemaVersion(ctx, r.db)
}

// Close releases the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// load reads every row into a fresh index.
func (r *Registry) load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, sqlLoadDocuments)
	if err != nil {
		return fmt.Errorf("sync: loading registry: %w", err)
	}
	defer rows.Close()

	idx := make(docIndex)

	for rows.Next() {
		meta, err := scanDocumentRow(rows)
		if err != nil {
			return err
		}

		p := &atomic.Pointer[DocMeta]{}
		p.Store(meta)
		idx[meta.ID] = p
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("sync: iterating registry rows: %w", err)
	}

	r.index.Store(&idx)

	return nil
}

// scanDocumentRow scans a single row from the documents table, handling
// nullable columns with sql.Null* types.
func scanDocumentRow(rows *sql.Rows) (*DocMeta, error) {
	var (
		m            DocMeta
		status       string
		sourceFP     sql.NullString
		observedFP   sql.NullString
		contentFP    sql.NullString
		generatedAt  sql.NullInt64
		lastSyncedAt sql.NullInt64
		orphanedAt   sql.NullInt64
		lastError    sql.NullString
	)

	err := rows.Scan(
		&m.ID, &m.Path, &m.Category, &status, &sourceFP, &observedFP, &contentFP,
		&m.SchemaVersion, &m.ByteSize, &m.EstimatedTokens,
		&generatedAt, &lastSyncedAt, &orphanedAt, &lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning registry row: %w", err)
	}

	parsed, err := ParseSyncStatus(status)
	if err != nil {
		return nil, err
	}

	m.Status = parsed
	m.SourceFingerprint = sourceFP.String
	m.ObservedFingerprint = observedFP.String
	m.ContentFingerprint = contentFP.String
	m.GeneratedAt = fromNanos(generatedAt)
	m.LastSyncedAt = fromNanos(lastSyncedAt)
	m.OrphanedAt = fromNanos(orphanedAt)
	m.LastError = lastError.String

	return &m, nil
}

// Lock acquires the per-document write lock for id and returns its
// release function. Callers hold it for the whole of a conversion job so
// status, derived file and cache invalidation change together.
func (r *Registry) Lock(id string) func() {
	r.locksMu.Lock()

	l, ok := r.locks[id]
	if !ok {
		l = &docLock{}
		r.locks[id] = l
	}

	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--

		if l.refs == 0 {
			delete(r.locks, id)
		}

		r.locksMu.Unlock()
	}
}

// Get returns a copy of the metadata for id. Lock-free.
func (r *Registry) Get(id string) (DocMeta, bool) {
	p, ok := (*r.index.Load())[id]
	if !ok {
		return DocMeta{}, false
	}

	return *p.Load(), true
}

// Len returns the number of registered documents.
func (r *Registry) Len() int {
	return len(*r.index.Load())
}

// All returns every document's metadata sorted by ID.
func (r *Registry) All() []DocMeta {
	return r.filter(func(*DocMeta) bool { return true })
}

// ListByStatus returns the documents with the given status sorted by ID.
func (r *Registry) ListByStatus(status SyncStatus) []DocMeta {
	return r.filter(func(m *DocMeta) bool { return m.Status == status })
}

func (r *Registry) filter(keep func(*DocMeta) bool) []DocMeta {
	idx := *r.index.Load()
	out := make([]DocMeta, 0, len(idx))

	for _, p := range idx {
		if m := p.Load(); keep(m) {
			out = append(out, *m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Counts returns the number of documents per status.
func (r *Registry) Counts() map[SyncStatus]int {
	counts := make(map[SyncStatus]int)

	for _, p := range *r.index.Load() {
		counts[p.Load().Status]++
	}

	return counts
}

// Upsert persists meta and publishes it to the index. The caller must hold
// the document's lock.
func (r *Registry) Upsert(ctx context.Context, meta *DocMeta) error {
	if meta.ID == "" {
		return errors.New("sync: upsert with empty document ID")
	}

	_, err := r.db.ExecContext(ctx, sqlUpsertDocument,
		meta.ID,
		meta.Path,
		meta.Category,
		string(meta.Status),
		nullString(meta.SourceFingerprint),
		nullString(meta.ObservedFingerprint),
		nullString(meta.ContentFingerprint),
		meta.SchemaVersion,
		meta.ByteSize,
		meta.EstimatedTokens,
		toNanos(meta.GeneratedAt),
		toNanos(meta.LastSyncedAt),
		toNanos(meta.OrphanedAt),
		nullString(meta.LastError),
	)
	if err != nil {
		return fmt.Errorf("sync: upserting %s: %w", meta.ID, err)
	}

	stored := *meta

	if p, ok := (*r.index.Load())[meta.ID]; ok {
		p.Store(&stored)
		return nil
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	old := *r.index.Load()
	if p, ok := old[meta.ID]; ok {
		p.Store(&stored)
		return nil
	}

	next := make(docIndex, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	p := &atomic.Pointer[DocMeta]{}
	p.Store(&stored)
	next[meta.ID] = p
	r.index.Store(&next)

	return nil
}

// MarkOrphan records that the source of id has disappeared. The caller
// must hold the document's lock.
func (r *Registry) MarkOrphan(ctx context.Context, id string, at time.Time) (DocMeta, error) {
	meta, ok := r.Get(id)
	if !ok {
		return DocMeta{}, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}

	meta.Status = StatusOrphaned
	meta.OrphanedAt = at
	meta.ObservedFingerprint = ""

	if err := r.Upsert(ctx, &meta); err != nil {
		return DocMeta{}, err
	}

	return meta, nil
}

// Remove deletes id from the registry. The caller must hold the
// document's lock.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, sqlDeleteDocument, id); err != nil {
		return fmt.Errorf("sync: removing %s: %w", id, err)
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	old := *r.index.Load()
	if _, ok := old[id]; !ok {
		return nil
	}

	next := make(docIndex, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}

	r.index.Store(&next)

	return nil
}

// Reset deletes every document. Used by a forced rebuild.
func (r *Registry) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqlDeleteAllDocuments); err != nil {
		return fmt.Errorf("sync: resetting registry: %w", err)
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	empty := make(docIndex)
	r.index.Store(&empty)

	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// toNanos stores a time as Unix nanoseconds; the zero time is NULL.
func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return time.Unix(0, n.Int64).UTC()
}
