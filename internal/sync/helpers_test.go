package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ctxsync/internal/config"
)

// testLogger returns an slog.Logger at Debug level that writes to t.Log,
// so all engine activity appears in test output with -v.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// writeTestFile creates a file (and its parent directories) under dir.
func writeTestFile(t *testing.T, dir, relPath, content string) string {
	t.Helper()

	p := filepath.Join(dir, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

// testFilterConfig is the default filter with no size limit surprises.
func testFilterConfig() config.FilterConfig {
	return config.FilterConfig{
		Include:      []string{"*.md", "*.markdown", "*.txt"},
		SkipDirs:     []string{".git", "node_modules"},
		SkipDotfiles: true,
		MaxFileSize:  "16MiB",
		IgnoreMarker: ".ctxignore",
	}
}

func newTestFilter(t *testing.T, rootDir string) *FilterEngine {
	t.Helper()

	cfg := testFilterConfig()

	fe, err := NewFilterEngine(&cfg, rootDir, testLogger(t))
	require.NoError(t, err)

	return fe
}

// newTestRegistry opens a registry in a temp directory, closed on cleanup.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := OpenRegistry(context.Background(), filepath.Join(t.TempDir(), "registry.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { r.Close() })

	return r
}

// memRegistry is an in-memory RegistryReader for observer tests.
type memRegistry struct {
	mu   stdsync.Mutex
	docs map[string]DocMeta
}

func newMemRegistry(docs ...DocMeta) *memRegistry {
	m := &memRegistry{docs: make(map[string]DocMeta)}
	for _, d := range docs {
		m.docs[d.ID] = d
	}

	return m
}

func (m *memRegistry) Get(id string) (DocMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]

	return d, ok
}

func (m *memRegistry) All() []DocMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DocMeta, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// testEngineConfig returns engine options over fresh source and state
// directories with fast retries.
func testEngineConfig(t *testing.T) *EngineConfig {
	t.Helper()

	return &EngineConfig{
		SourceDir:     t.TempDir(),
		StateDir:      t.TempDir(),
		Filter:        testFilterConfig(),
		Workers:       2,
		ReadRetries:   2,
		ReadRetryBase: time.Millisecond,
		Logger:        testLogger(t),
	}
}

// openTestEngine opens an engine for cfg, closed on cleanup.
func openTestEngine(t *testing.T, cfg *EngineConfig) *Engine {
	t.Helper()

	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { e.Close() })

	return e
}

// recordingInvalidator counts cache invalidations per document.
type recordingInvalidator struct {
	mu    stdsync.Mutex
	calls map[string]int
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{calls: make(map[string]int)}
}

func (r *recordingInvalidator) InvalidateDoc(docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[docID]++

	return nil
}

func (r *recordingInvalidator) count(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[docID]
}

// alertRecorder collects alerts raised from engine goroutines.
type alertRecorder struct {
	mu     stdsync.Mutex
	alerts []Alert
}

func (a *alertRecorder) handle(alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.alerts = append(a.alerts, alert)
}

func (a *alertRecorder) kinds() []AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AlertKind, len(a.alerts))
	for i, alert := range a.alerts {
		out[i] = alert.Kind
	}

	return out
}
