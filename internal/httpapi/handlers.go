package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/service"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

const (
	maxRequestBodySize = 1 << 20
	eventBuffer        = 64
	eventWriteTimeout  = 5 * time.Second
)

type handler struct {
	api    API
	logger *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing response", slog.String("error", err.Error()))
	}
}

func (h *handler) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	h.writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// sendServiceError maps a service error onto a status code.
func (h *handler) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrOrphaned):
		status = http.StatusGone
	case errors.Is(err, service.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, loader.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, r.Context().Err()):
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}

	h.sendError(w, status, "%v", err)
}

type healthResponse struct {
	Documents int            `json:"documents"`
	Counts    map[string]int `json:"counts"`
	Cache     cache.Stats    `json:"cache"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := statusCounts(h.api.Counts())

	total := 0
	for _, n := range counts {
		total += n
	}

	h.writeJSON(w, http.StatusOK, healthResponse{
		Documents: total,
		Counts:    counts,
		Cache:     h.api.CacheStats(),
	})
}

func statusCounts(m map[sync.SyncStatus]int) map[string]int {
	out := make(map[string]int, len(m))
	for s, n := range m {
		out[string(s)] = n
	}

	return out
}

type docsResponse struct {
	Documents []sync.DocMeta `json:"documents"`
	Counts    map[string]int `json:"counts"`
}

func (h *handler) handleDocs(w http.ResponseWriter, r *http.Request) {
	docs := h.api.Documents()

	if status := r.URL.Query().Get("status"); status != "" {
		want, err := sync.ParseSyncStatus(status)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "%v", err)
			return
		}

		filtered := docs[:0:0]
		for _, d := range docs {
			if d.Status == want {
				filtered = append(filtered, d)
			}
		}

		docs = filtered
	}

	if docs == nil {
		docs = []sync.DocMeta{}
	}

	h.writeJSON(w, http.StatusOK, docsResponse{Documents: docs, Counts: statusCounts(h.api.Counts())})
}

func (h *handler) handleDoc(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	meta, ok := h.api.Document(id)
	if !ok {
		h.sendError(w, http.StatusNotFound, "document %q not found", id)
		return
	}

	h.writeJSON(w, http.StatusOK, meta)
}

// loadParams is the wire form of one load request, shared by the query
// string of GET /v1/context and the body of POST /v1/context/batch.
type loadParams struct {
	Doc      string `json:"doc"`
	Level    string `json:"level,omitempty"`
	Budget   *int   `json:"budget,omitempty"`
	Session  string `json:"session,omitempty"`
	Category string `json:"category,omitempty"`
	Consumer string `json:"consumer,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

func (p *loadParams) request() (loader.Request, error) {
	if p.Doc == "" {
		return loader.Request{}, errors.New("doc is required")
	}

	var want loader.Want

	if p.Level != "" {
		l, err := loader.ParseLevel(p.Level)
		if err != nil {
			return loader.Request{}, err
		}

		want = loader.AtLevel(l)
	}

	if p.Budget != nil {
		if _, hasLevel := want.Level(); hasLevel {
			want = want.WithBudget(*p.Budget)
		} else {
			want = loader.WithinBudget(*p.Budget)
		}
	}

	return loader.Request{
		ConsumerID: p.Consumer,
		SessionID:  p.Session,
		Category:   p.Category,
		DocID:      p.Doc,
		Want:       want,
		Priority:   p.Priority,
		Critical:   p.Critical,
	}, nil
}

func (h *handler) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	p := loadParams{
		Doc:      q.Get("doc"),
		Level:    q.Get("level"),
		Session:  q.Get("session"),
		Category: q.Get("category"),
		Consumer: q.Get("consumer"),
	}

	if s := q.Get("budget"); s != "" {
		b, err := strconv.Atoi(s)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "budget must be an integer: %q", s)
			return
		}

		p.Budget = &b
	}

	req, err := p.request()
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	res, err := h.api.LoadContext(r.Context(), req)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Session  string       `json:"session"`
	Requests []loadParams `json:"requests"`
}

type batchItem struct {
	Result *loader.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchItem           `json:"results"`
	Ledger  loader.LedgerSnapshot `json:"ledger"`
}

func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !h.decodeBody(w, r, &body) {
		return
	}

	reqs := make([]loader.Request, len(body.Requests))

	for i := range body.Requests {
		req, err := body.Requests[i].request()
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "request %d: %v", i, err)
			return
		}

		req.SessionID = body.Session
		reqs[i] = req
	}

	results := h.api.LoadBatch(r.Context(), body.Session, reqs)

	resp := batchResponse{Results: make([]batchItem, len(results))}
	for i, br := range results {
		resp.Results[i].Result = br.Result
		if br.Err != nil {
			resp.Results[i].Error = br.Err.Error()
		}
	}

	resp.Ledger = h.api.Ledger(body.Session)

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handlePath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	doc, path := q.Get("doc"), q.Get("path")
	if doc == "" || path == "" {
		h.sendError(w, http.StatusBadRequest, "doc and path are required")
		return
	}

	res, err := h.api.GetPath(r.Context(), doc, path)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type queryRequest struct {
	Doc       string         `json:"doc"`
	Path      string         `json:"path"`
	Where     []string       `json:"where,omitempty"`
	Predicate map[string]any `json:"predicate,omitempty"`
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if !h.decodeBody(w, r, &body) {
		return
	}

	if body.Doc == "" || body.Path == "" {
		h.sendError(w, http.StatusBadRequest, "doc and path are required")
		return
	}

	where, err := query.ParseWheres(body.Where)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	object, err := query.ParsePredicate(body.Predicate)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	res, err := h.api.QueryArray(r.Context(), body.Doc, body.Path, query.And(where, object))
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleLedgers(w http.ResponseWriter, _ *http.Request) {
	ledgers := h.api.Ledgers()
	if ledgers == nil {
		ledgers = []loader.LedgerSnapshot{}
	}

	h.writeJSON(w, http.StatusOK, ledgers)
}

func (h *handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.api.Ledger(r.PathValue("session")))
}

func (h *handler) handleResetLedger(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")

	if !h.api.ResetLedger(session) {
		h.sendError(w, http.StatusNotFound, "session %q has no ledger", session)
		return
	}

	h.writeJSON(w, http.StatusOK, h.api.Ledger(session))
}

// handleEvents streams status transitions as JSON messages until the
// client disconnects. An optional prefix query parameter limits the stream
// to document IDs under it.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	// The connection outlives the server's request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	events, unsubscribe := h.api.Subscribe(eventBuffer)
	defer unsubscribe()

	h.logger.Debug("event stream opened", slog.String("remote", r.RemoteAddr), slog.String("prefix", prefix))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", slog.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}

			if prefix != "" && !strings.HasPrefix(ev.DocID, prefix) {
				continue
			}

			if err := h.writeEvent(r, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *handler) writeEvent(r *http.Request, conn *websocket.Conn, ev sync.StatusEvent) error {
	ctx, cancel := context.WithTimeout(r.Context(), eventWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}

// decodeBody decodes a size-limited JSON body into v, replying with 400 on
// failure.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "request body too large (max %d bytes)", maxRequestBodySize)
			return false
		}

		h.sendError(w, http.StatusBadRequest, "invalid request: %v", err)

		return false
	}

	return true
}
