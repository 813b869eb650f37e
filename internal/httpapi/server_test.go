package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/service"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeAPI serves canned data and records calls.
type fakeAPI struct {
	mu        stdsync.Mutex
	loads     []loader.Request
	batch     []loader.Request
	predicate query.Predicate
	events    chan sync.StatusEvent
	subbed    chan struct{}
	reset     map[string]bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		events: make(chan sync.StatusEvent, 8),
		subbed: make(chan struct{}, 1),
		reset:  map[string]bool{"agent-1": true},
	}
}

var fakeDocs = []sync.DocMeta{
	{ID: "plans/roadmap", Path: "plans/roadmap.md", Status: sync.StatusSynced},
	{ID: "research/competitors", Path: "research/competitors.md", Status: sync.StatusError},
}

func (f *fakeAPI) LoadContext(_ context.Context, req loader.Request) (*loader.Result, error) {
	f.mu.Lock()
	f.loads = append(f.loads, req)
	f.mu.Unlock()

	switch req.DocID {
	case "gone":
		return nil, fmt.Errorf("%w: gone", service.ErrOrphaned)
	case "plans/roadmap":
		return &loader.Result{DocID: req.DocID, Level: loader.LevelSummary, Tokens: 12}, nil
	default:
		return nil, fmt.Errorf("%w: %s", service.ErrDocumentNotFound, req.DocID)
	}
}

func (f *fakeAPI) LoadBatch(_ context.Context, _ string, reqs []loader.Request) []loader.BatchResult {
	f.mu.Lock()
	f.batch = reqs
	f.mu.Unlock()

	out := make([]loader.BatchResult, len(reqs))
	for i, r := range reqs {
		if r.DocID == "plans/roadmap" {
			out[i].Result = &loader.Result{DocID: r.DocID, Level: loader.LevelFull}
		} else {
			out[i].Err = fmt.Errorf("%w: %s", service.ErrDocumentNotFound, r.DocID)
		}
	}

	return out
}

func (f *fakeAPI) GetPath(_ context.Context, docID, path string) (service.PathResult, error) {
	if docID != "plans/roadmap" {
		return service.PathResult{}, fmt.Errorf("%w: %s", service.ErrDocumentNotFound, docID)
	}

	return service.PathResult{DocID: docID, Path: path, Value: "draft", Found: true, Status: "synced"}, nil
}

func (f *fakeAPI) QueryArray(_ context.Context, docID, path string, p query.Predicate) (service.QueryResult, error) {
	f.mu.Lock()
	f.predicate = p
	f.mu.Unlock()

	return service.QueryResult{DocID: docID, Path: path, Items: []any{"row"}}, nil
}

func (f *fakeAPI) Document(docID string) (sync.DocMeta, bool) {
	for _, d := range fakeDocs {
		if d.ID == docID {
			return d, true
		}
	}

	return sync.DocMeta{}, false
}

func (f *fakeAPI) Documents() []sync.DocMeta {
	return append([]sync.DocMeta(nil), fakeDocs...)
}

func (f *fakeAPI) Counts() map[sync.SyncStatus]int {
	return map[sync.SyncStatus]int{sync.StatusSynced: 1, sync.StatusError: 1}
}

func (f *fakeAPI) Ledger(session string) loader.LedgerSnapshot {
	if session == "" {
		session = loader.DefaultSession
	}

	return loader.LedgerSnapshot{Session: session, Limit: 100, Remaining: 100}
}

func (f *fakeAPI) Ledgers() []loader.LedgerSnapshot {
	return nil
}

func (f *fakeAPI) ResetLedger(session string) bool {
	return f.reset[session]
}

func (f *fakeAPI) CacheStats() cache.Stats {
	return cache.Stats{MemoryHits: 3}
}

func (f *fakeAPI) Subscribe(int) (<-chan sync.StatusEvent, func()) {
	f.subbed <- struct{}{}

	return f.events, func() {}
}

func newTestServer(t *testing.T, api API) *httptest.Server {
	t.Helper()

	srv := New(api, Options{Logger: testLogger(t)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body)) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	var out healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/health", &out))
	assert.Equal(t, 2, out.Documents)
	assert.Equal(t, int64(3), out.Cache.MemoryHits)
}

func TestDocs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	var all docsResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/docs", &all))
	assert.Len(t, all.Documents, 2)
	assert.Equal(t, 1, all.Counts["error"])

	var errored docsResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/docs?status=error", &errored))
	require.Len(t, errored.Documents, 1)
	assert.Equal(t, "research/competitors", errored.Documents[0].ID)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/docs?status=bogus", nil))
}

func TestDoc_NestedID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	var meta sync.DocMeta
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/docs/research/competitors", &meta))
	assert.Equal(t, sync.StatusError, meta.Status)

	var e errorResponse
	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/docs/missing", &e))
	assert.Contains(t, e.Error, "missing")
}

func TestContext(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	ts := newTestServer(t, api)

	var res loader.Result
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/context?doc=plans/roadmap&level=2&budget=500&session=s1", &res))
	assert.Equal(t, 12, res.Tokens)

	require.Len(t, api.loads, 1)
	req := api.loads[0]
	assert.Equal(t, "s1", req.SessionID)

	lvl, ok := req.Want.Level()
	require.True(t, ok)
	assert.Equal(t, loader.LevelStructure, lvl)

	budget, ok := req.Want.Budget()
	require.True(t, ok)
	assert.Equal(t, 500, budget)
}

func TestContext_Errors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	tests := []struct {
		query  string
		status int
	}{
		{"", http.StatusBadRequest},
		{"doc=plans/roadmap&level=9", http.StatusBadRequest},
		{"doc=plans/roadmap&budget=lots", http.StatusBadRequest},
		{"doc=nope", http.StatusNotFound},
		{"doc=gone", http.StatusGone},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, getJSON(t, ts.URL+"/v1/context?"+tt.query, nil), tt.query)
	}
}

func TestBatch(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	ts := newTestServer(t, api)

	body := `{"session": "agent-1", "requests": [
		{"doc": "missing", "priority": 2},
		{"doc": "plans/roadmap", "level": "full", "critical": true}
	]}`

	var out batchResponse
	require.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/v1/context/batch", body, &out))
	require.Len(t, out.Results, 2)
	assert.Contains(t, out.Results[0].Error, "not found")
	require.NotNil(t, out.Results[1].Result)
	assert.Equal(t, loader.LevelFull, out.Results[1].Result.Level)
	assert.Equal(t, "agent-1", out.Ledger.Session)

	require.Len(t, api.batch, 2)
	assert.Equal(t, 2, api.batch[0].Priority)
	assert.True(t, api.batch[1].Critical)
	assert.Equal(t, "agent-1", api.batch[1].SessionID)

	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, ts.URL+"/v1/context/batch", `{"requests": [{"level": "2"}]}`, nil))
}

func TestPath(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	var res service.PathResult
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/path?doc=plans/roadmap&path=status", &res))
	assert.True(t, res.Found)
	assert.Equal(t, "draft", res.Value)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/path?doc=plans/roadmap", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/path?doc=nope&path=status", nil))
}

func TestQuery(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	ts := newTestServer(t, api)

	body := `{"doc": "research/competitors", "path": "competitors",
		"where": ["region=EU"], "predicate": {"price": {"<": 10}}}`

	var res service.QueryResult
	require.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/v1/query", body, &res))
	assert.Equal(t, []any{"row"}, res.Items)

	require.Len(t, api.predicate, 2)
	assert.Equal(t, "price", api.predicate[0].Field)
	assert.Equal(t, int64(10), api.predicate[0].Value)
	assert.Equal(t, "region", api.predicate[1].Field)

	for _, bad := range []string{
		`not json`,
		`{"doc": "d"}`,
		`{"doc": "d", "path": "p", "where": ["nonsense"]}`,
		`{"doc": "d", "path": "p", "predicate": {"price": {"~": 1}}}`,
	} {
		assert.Equal(t, http.StatusBadRequest, postJSON(t, ts.URL+"/v1/query", bad, nil), bad)
	}
}

func TestLedgers(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeAPI())

	var all []loader.LedgerSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/ledgers", &all))
	assert.NotNil(t, all)
	assert.Empty(t, all)

	var one loader.LedgerSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/ledgers/agent-1", &one))
	assert.Equal(t, "agent-1", one.Session)

	del := func(session string) int {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete,
			ts.URL+"/v1/ledgers/"+session, http.NoBody)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, del("agent-1"))
	assert.Equal(t, http.StatusNotFound, del("nobody"))
}

func TestEvents_StreamsFilteredTransitions(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()

	// The handler goroutine can outlive the test once the client hangs up,
	// so it must not log through t.
	ts := httptest.NewServer(New(api, Options{Logger: slog.New(slog.DiscardHandler)}).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?prefix=plans/"

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	defer conn.CloseNow()

	select {
	case <-api.subbed:
	case <-ctx.Done():
		t.Fatal("handler never subscribed")
	}

	api.events <- sync.StatusEvent{DocID: "research/competitors", To: sync.StatusSynced}
	api.events <- sync.StatusEvent{DocID: "plans/roadmap", From: sync.StatusSynced, To: sync.StatusOutdated}

	var ev sync.StatusEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "plans/roadmap", ev.DocID)
	assert.Equal(t, sync.StatusOutdated, ev.To)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	srv := New(newFakeAPI(), Options{Logger: testLogger(t)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/health") //nolint:noctx // test
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
