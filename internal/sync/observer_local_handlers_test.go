package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ctxsync/internal/codec"
)

// ---------------------------------------------------------------------------
// Mock watcher for unit-testing watchLoop
// ---------------------------------------------------------------------------

// mockFsWatcher implements FsWatcher with injectable channels for testing.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu    stdsync.Mutex
	added []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.added))
	copy(out, m.added)

	return out
}

// sleepRecorder captures durations passed to sleepFunc.
type sleepRecorder struct {
	mu       stdsync.Mutex
	calls    []time.Duration
	notifyCh chan struct{} // closed after each call to wake waiters
}

func newSleepRecorder() *sleepRecorder {
	return &sleepRecorder{notifyCh: make(chan struct{})}
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	ch := s.notifyCh
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()

	close(ch) // notify waiters

	return nil
}

// waitForCalls blocks until at least n sleep calls have been recorded.
func (s *sleepRecorder) waitForCalls(t *testing.T, n int) {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		s.mu.Lock()
		count := len(s.calls)
		ch := s.notifyCh
		s.mu.Unlock()

		if count >= n {
			return
		}

		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timeout waiting for %d sleep calls (got %d)", n, count)
		}
	}
}

func (s *sleepRecorder) getCalls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]time.Duration, len(s.calls))
	copy(result, s.calls)

	return result
}

// watchHarness runs Watch against a mock watcher until stopped.
type watchHarness struct {
	root    string
	watcher *mockFsWatcher
	obs     *LocalObserver
	events  chan ChangeEvent
	cancel  context.CancelFunc
	done    chan error
}

func startWatch(t *testing.T, root string, reg RegistryReader, mutate func(*LocalObserver)) *watchHarness {
	t.Helper()

	h := &watchHarness{
		root:    root,
		watcher: newMockFsWatcher(),
		events:  make(chan ChangeEvent, 16),
		done:    make(chan error, 1),
	}

	h.obs = newTestObserver(t, root, reg)
	h.obs.watcherFactory = func() (FsWatcher, error) { return h.watcher, nil }

	if mutate != nil {
		mutate(h.obs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() { h.done <- h.obs.Watch(ctx, root, h.events) }()

	t.Cleanup(h.stop)

	return h
}

func (h *watchHarness) stop() {
	h.cancel()

	if h.done != nil {
		<-h.done
		h.done = nil
	}
}

func (h *watchHarness) send(op fsnotify.Op, relPath string) {
	h.watcher.events <- fsnotify.Event{Name: filepath.Join(h.root, filepath.FromSlash(relPath)), Op: op}
}

func (h *watchHarness) next(t *testing.T) ChangeEvent {
	t.Helper()

	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change event")
		return ChangeEvent{}
	}
}

// ---------------------------------------------------------------------------
// Watch tests
// ---------------------------------------------------------------------------

func TestWatch_DetectsFileCreate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := startWatch(t, root, newMemRegistry(), nil)

	writeTestFile(t, root, "notes/new.md", "hello watch")
	h.send(fsnotify.Create, "notes/new.md")

	ev := h.next(t)
	assert.Equal(t, ChangeCreate, ev.Type)
	assert.Equal(t, "notes/new", ev.DocID)
	assert.Equal(t, "notes/new.md", ev.Path)
	assert.Equal(t, codec.SourceFingerprint([]byte("hello watch")), ev.Fingerprint)
}

func TestWatch_WriteWithSameContentIgnored(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, root, "same.md", "unchanged")
	writeTestFile(t, root, "other.md", "changed")
	fp := codec.SourceFingerprint([]byte("unchanged"))

	reg := newMemRegistry(
		DocMeta{ID: "same", Path: "same.md", Status: StatusSynced, ObservedFingerprint: fp},
		DocMeta{ID: "other", Path: "other.md", Status: StatusSynced, ObservedFingerprint: "old"},
	)

	h := startWatch(t, root, reg, nil)

	h.send(fsnotify.Write, "same.md")
	h.send(fsnotify.Write, "other.md")

	// Events are handled in order, so the first one out must be "other".
	ev := h.next(t)
	assert.Equal(t, "other", ev.DocID)
	assert.Equal(t, ChangeModify, ev.Type)
}

func TestWatch_ChmodAndFilteredIgnored(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, root, "doc.md", "x")
	writeTestFile(t, root, "doc.md.swp", "swap")
	writeTestFile(t, root, "marker.md", "y")

	h := startWatch(t, root, newMemRegistry(), nil)

	h.send(fsnotify.Chmod, "doc.md")
	h.send(fsnotify.Create, "doc.md.swp")
	h.send(fsnotify.Create, "marker.md")

	ev := h.next(t)
	assert.Equal(t, "marker", ev.DocID)
}

func TestWatch_RemoveRegisteredDocument(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reg := newMemRegistry(
		DocMeta{ID: "plan", Path: "plan.md", Status: StatusSynced},
		DocMeta{ID: "old", Path: "old.md", Status: StatusOrphaned},
	)

	h := startWatch(t, root, reg, nil)

	h.send(fsnotify.Remove, "old.md")
	h.send(fsnotify.Rename, "plan.md")

	ev := h.next(t)
	assert.Equal(t, ChangeDelete, ev.Type)
	assert.Equal(t, "plan", ev.DocID)
}

func TestWatch_RemovedDirectoryDeletesDocumentsBelow(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reg := newMemRegistry(
		DocMeta{ID: "research/a", Path: "research/a.md", Status: StatusSynced},
		DocMeta{ID: "research/deep/b", Path: "research/deep/b.md", Status: StatusSynced},
		DocMeta{ID: "research-notes", Path: "research-notes.md", Status: StatusSynced},
	)

	h := startWatch(t, root, reg, nil)

	h.send(fsnotify.Rename, "research")

	got := map[string]bool{h.next(t).DocID: true, h.next(t).DocID: true}
	assert.Equal(t, map[string]bool{"research/a": true, "research/deep/b": true}, got)
}

func TestWatch_DuplicatePathDoesNotDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reg := newMemRegistry(DocMeta{ID: "notes", Path: "notes.md", Status: StatusSynced})

	h := startWatch(t, root, reg, nil)

	// notes.txt never owned the ID; removing it must not orphan notes.md.
	h.send(fsnotify.Remove, "notes.txt")

	writeTestFile(t, root, "sentinel.md", "s")
	h.send(fsnotify.Create, "sentinel.md")

	assert.Equal(t, "sentinel", h.next(t).DocID)
}

func TestWatch_NewDirectoryScanned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := startWatch(t, root, newMemRegistry(), nil)

	writeTestFile(t, root, "inbox/a.md", "a")
	writeTestFile(t, root, "inbox/sub/b.md", "b")
	h.send(fsnotify.Create, "inbox")

	got := map[string]bool{h.next(t).DocID: true, h.next(t).DocID: true}
	assert.Equal(t, map[string]bool{"inbox/a": true, "inbox/sub/b": true}, got)

	watched := h.watcher.watched()
	assert.Contains(t, watched, filepath.Join(root, "inbox"))
	assert.Contains(t, watched, filepath.Join(root, "inbox", "sub"))
}

func TestWatch_MarkerChangeRescans(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, root, "keep.md", "k")

	fp := codec.SourceFingerprint([]byte("k"))
	reg := newMemRegistry(DocMeta{ID: "keep", Path: "keep.md", Status: StatusSynced, ObservedFingerprint: fp})

	h := startWatch(t, root, reg, nil)

	// A marker that stops excluding a file makes it appear.
	writeTestFile(t, root, ".ctxignore", "")
	writeTestFile(t, root, "fresh.md", "f")
	h.send(fsnotify.Write, ".ctxignore")

	ev := h.next(t)
	assert.Equal(t, "fresh", ev.DocID)
	assert.Equal(t, ChangeCreate, ev.Type)
}

func TestWatch_ErrorBackoff(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rec := newSleepRecorder()

	h := startWatch(t, root, newMemRegistry(), func(o *LocalObserver) { o.sleepFunc = rec.sleep })

	for range 6 {
		h.watcher.errs <- errors.New("queue overflow")
	}

	rec.waitForCalls(t, 6)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, rec.getCalls())
}

func TestWatch_MissingRoot(t *testing.T) {
	t.Parallel()

	obs := newTestObserver(t, t.TempDir(), newMemRegistry())
	obs.watcherFactory = func() (FsWatcher, error) { return newMockFsWatcher(), nil }

	err := obs.Watch(context.Background(), filepath.Join(t.TempDir(), "gone"), make(chan ChangeEvent))
	require.ErrorIs(t, err, ErrSourceRoot)
}

func TestWatch_RealFsnotify(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	obs := newTestObserver(t, root, newMemRegistry())

	events := make(chan ChangeEvent, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- obs.Watch(ctx, root, events) }()

	defer func() {
		cancel()
		<-done
	}()

	// Let the watcher settle, then create a file.
	time.Sleep(100 * time.Millisecond)
	writeTestFile(t, root, "real.md", "hello")

	select {
	case ev := <-events:
		assert.Equal(t, "real", ev.DocID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fsnotify create event")
	}
}

func TestTrySend_DropsWhenFull(t *testing.T) {
	t.Parallel()

	obs := newTestObserver(t, t.TempDir(), newMemRegistry())
	events := make(chan ChangeEvent, 1)

	obs.trySend(context.Background(), events, &ChangeEvent{DocID: "a"})
	obs.trySend(context.Background(), events, &ChangeEvent{DocID: "b"})
	obs.trySend(context.Background(), events, &ChangeEvent{DocID: "c"})

	assert.Equal(t, int64(2), obs.ResetDroppedEvents())
	assert.Equal(t, int64(0), obs.ResetDroppedEvents())
	assert.Equal(t, "a", (<-events).DocID)
}

func TestHandleCreate_VanishedFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	obs := newTestObserver(t, root, newMemRegistry())
	events := make(chan ChangeEvent, 1)

	gone := filepath.Join(root, "gone.md")
	obs.handleCreate(context.Background(), gone, "gone.md", newMockFsWatcher(), events)

	assert.Empty(t, events)

	_, err := os.Stat(gone)
	assert.True(t, os.IsNotExist(err))
}
