// Package httpapi serves the Load/Query API as JSON over HTTP and streams
// sync status transitions over a websocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/service"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// API is the service surface the handlers call. Satisfied by
// *service.Service.
type API interface {
	LoadContext(ctx context.Context, req loader.Request) (*loader.Result, error)
	LoadBatch(ctx context.Context, session string, reqs []loader.Request) []loader.BatchResult
	GetPath(ctx context.Context, docID, path string) (service.PathResult, error)
	QueryArray(ctx context.Context, docID, path string, p query.Predicate) (service.QueryResult, error)
	Document(docID string) (sync.DocMeta, bool)
	Documents() []sync.DocMeta
	Counts() map[sync.SyncStatus]int
	Ledger(session string) loader.LedgerSnapshot
	Ledgers() []loader.LedgerSnapshot
	ResetLedger(session string) bool
	CacheStats() cache.Stats
	Subscribe(buffer int) (<-chan sync.StatusEvent, func())
}

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP transport.
type Server struct {
	handler *handler
	http    *http.Server
	logger  *slog.Logger
}

// New creates a Server for api.
func New(api API, opts Options) *Server {
	h := &handler{api: api, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", h.handleHealth)
	mux.HandleFunc("GET /v1/docs", h.handleDocs)
	mux.HandleFunc("GET /v1/docs/{id...}", h.handleDoc)
	mux.HandleFunc("GET /v1/context", h.handleContext)
	mux.HandleFunc("POST /v1/context/batch", h.handleBatch)
	mux.HandleFunc("GET /v1/path", h.handlePath)
	mux.HandleFunc("POST /v1/query", h.handleQuery)
	mux.HandleFunc("GET /v1/ledgers", h.handleLedgers)
	mux.HandleFunc("GET /v1/ledgers/{session}", h.handleLedger)
	mux.HandleFunc("DELETE /v1/ledgers/{session}", h.handleResetLedger)
	mux.HandleFunc("GET /v1/events", h.handleEvents)

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Server{
		handler: h,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: readTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		logger: opts.Logger,
	}
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.http.Serve(ln)
	}()

	s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("httpapi: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutting down: %w", err)
	}

	s.logger.Info("http server stopped")

	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listening on %s: %w", s.http.Addr, err)
	}

	return s.Serve(ctx, ln)
}
