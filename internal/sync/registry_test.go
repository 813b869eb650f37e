package sync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMeta(id string) DocMeta {
	return DocMeta{
		ID:                  id,
		Path:                id + ".md",
		Category:            "research",
		Status:              StatusSynced,
		SourceFingerprint:   "fp-" + id,
		ObservedFingerprint: "fp-" + id,
		ContentFingerprint:  "cfp-" + id,
		SchemaVersion:       1,
		ByteSize:            120,
		EstimatedTokens:     30,
		GeneratedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LastSyncedAt:        time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	meta := sampleMeta("research/competitors")
	require.NoError(t, r.Upsert(ctx, &meta))

	got, ok := r.Get("research/competitors")
	require.True(t, ok)
	assert.Equal(t, meta, got)
	assert.Equal(t, 1, r.Len())

	meta.Status = StatusOutdated
	meta.ObservedFingerprint = "fp-new"
	require.NoError(t, r.Upsert(ctx, &meta))

	got, _ = r.Get("research/competitors")
	assert.Equal(t, StatusOutdated, got.Status)
	assert.Equal(t, "fp-new", got.ObservedFingerprint)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_UpsertEmptyID(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	err := r.Upsert(context.Background(), &DocMeta{Status: StatusSynced})
	require.Error(t, err)
}

func TestRegistry_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	r, err := OpenRegistry(ctx, dbPath, testLogger(t))
	require.NoError(t, err)

	a := sampleMeta("a")
	b := sampleMeta("b")
	b.Status = StatusError
	b.LastError = "read failed"
	b.ObservedFingerprint = ""

	require.NoError(t, r.Upsert(ctx, &a))
	require.NoError(t, r.Upsert(ctx, &b))
	require.NoError(t, r.Close())

	r2, err := OpenRegistry(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close() })

	recovered, _ := r2.Recovered()
	assert.False(t, recovered)

	all := r2.All()
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0])
	assert.Equal(t, b, all[1])

	v, err := r2.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRegistry_ListByStatusAndCounts(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		m := sampleMeta(id)
		require.NoError(t, r.Upsert(ctx, &m))
	}

	_, err := r.MarkOrphan(ctx, "b", time.Now())
	require.NoError(t, err)

	synced := r.ListByStatus(StatusSynced)
	require.Len(t, synced, 2)
	assert.Equal(t, "a", synced[0].ID)
	assert.Equal(t, "c", synced[1].ID)

	counts := r.Counts()
	assert.Equal(t, 2, counts[StatusSynced])
	assert.Equal(t, 1, counts[StatusOrphaned])
}

func TestRegistry_MarkOrphan(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	m := sampleMeta("doc")
	require.NoError(t, r.Upsert(ctx, &m))

	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	got, err := r.MarkOrphan(ctx, "doc", at)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, got.Status)
	assert.Equal(t, at, got.OrphanedAt)
	assert.Empty(t, got.ObservedFingerprint)
	// The derived representation's fingerprint is kept until removal.
	assert.Equal(t, "fp-doc", got.SourceFingerprint)

	_, err = r.MarkOrphan(ctx, "unknown", at)
	require.ErrorIs(t, err, ErrUnknownDocument)
}

func TestRegistry_RemoveAndReset(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		m := sampleMeta(id)
		require.NoError(t, r.Upsert(ctx, &m))
	}

	require.NoError(t, r.Remove(ctx, "b"))
	require.NoError(t, r.Remove(ctx, "never-there"))

	_, ok := r.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.All())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	m := sampleMeta("doc")
	require.NoError(t, r.Upsert(ctx, &m))

	snapshot := r.All()

	m2 := sampleMeta("other")
	require.NoError(t, r.Upsert(ctx, &m2))

	m.Status = StatusOutdated
	require.NoError(t, r.Upsert(ctx, &m))

	// Copies handed out earlier are unaffected by later writes.
	require.Len(t, snapshot, 1)
	assert.Equal(t, StatusSynced, snapshot[0].Status)
}

func TestRegistry_LockSerializesPerDocument(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	unlock := r.Lock("doc")

	acquired := make(chan struct{})

	go func() {
		release := r.Lock("doc")
		release()
		close(acquired)
	}()

	// A different document is not blocked.
	other := r.Lock("other")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same document acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second lock never acquired")
	}

	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	assert.Empty(t, r.locks, "released locks are dropped")
}

func TestOpenRegistry_CorruptDatabaseMovedAside(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")

	require.NoError(t, os.WriteFile(dbPath, bytes.Repeat([]byte("not a database "), 512), 0o600))

	r, err := OpenRegistry(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	recovered, cause := r.Recovered()
	assert.True(t, recovered)
	require.ErrorIs(t, cause, ErrRegistryCorrupt)
	assert.Equal(t, 0, r.Len())

	matches, err := filepath.Glob(dbPath + ".corrupt-*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "corrupt database kept for inspection")

	// The fresh registry is usable.
	m := sampleMeta("doc")
	require.NoError(t, r.Upsert(ctx, &m))
}
