// Package mcpserver exposes the Load/Query API as MCP tools over stdio:
// ctx_load, ctx_get_path, ctx_query and ctx_status. Handlers only translate
// arguments and results; every decision is made by the service.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/service"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

// Reader is the part of the service the tools call. Satisfied by
// *service.Service.
type Reader interface {
	LoadContext(ctx context.Context, req loader.Request) (*loader.Result, error)
	GetPath(ctx context.Context, docID, path string) (service.PathResult, error)
	QueryArray(ctx context.Context, docID, path string, p query.Predicate) (service.QueryResult, error)
	Document(docID string) (sync.DocMeta, bool)
	Counts() map[sync.SyncStatus]int
	Ledger(session string) loader.LedgerSnapshot
}

// Server is the configured MCP server.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New registers the tools over r.
func New(r Reader, version string, logger *slog.Logger) *Server {
	s := server.NewMCPServer(
		"ctxsync",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	load := &LoadTool{reader: r, logger: logger}
	s.AddTool(load.Definition(), load.Handle)

	getPath := &GetPathTool{reader: r}
	s.AddTool(getPath.Definition(), getPath.Handle)

	q := &QueryTool{reader: r}
	s.AddTool(q.Definition(), q.Handle)

	status := &StatusTool{reader: r}
	s.AddTool(status.Definition(), status.Handle)

	return &Server{mcp: s, logger: logger}
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx is canceled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")

	if err := server.NewStdioServer(s.mcp).Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpserver: serving stdio: %w", err)
	}

	return nil
}

const instructions = `ctxsync serves structured context derived from a directory of prose documents.
Use ctx_load to fetch a document at the level of detail you can afford: level 1 is a summary with
critical fields, 2 adds every field and the section outline, 3 adds the section bodies mapped to your
category, 4 is everything including the raw source. Pass a token budget instead of a level to let the
server pick the richest level that fits. Use ctx_get_path and ctx_query to read individual values or
filter table rows without loading the document. Results flagged stale come from the last good
conversion of a source that has since changed or failed to convert.`

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encoding result: %w", err)
	}

	return mcp.NewToolResultText(string(b)), nil
}

// intArg extracts an integer argument, returning def when the key is
// missing or not a number (JSON numbers decode as float64).
func intArg(req mcp.CallToolRequest, key string, def int) (int, bool) {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def, false
	}

	return int(v), true
}
