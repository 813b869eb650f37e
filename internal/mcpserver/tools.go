package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tonimelisma/ctxsync/internal/loader"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/service"
)

// LoadTool handles ctx_load.
type LoadTool struct {
	reader Reader
	logger *slog.Logger
}

// Definition returns the MCP tool definition for ctx_load.
func (t *LoadTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_load",
		mcp.WithDescription(
			"Load a document's derived context at a level of detail, or within a token budget. "+
				"The response reports the level delivered, tokens charged to the session and whether "+
				"the data is stale.",
		),
		mcp.WithString("doc",
			mcp.Required(),
			mcp.Description("Document ID: the source path without extension, e.g. research/competitors"),
		),
		mcp.WithString("level",
			mcp.Description("1-4 or summary, structure, sections, full"),
		),
		mcp.WithNumber("budget",
			mcp.Description("Token budget for this load"),
		),
		mcp.WithString("session",
			mcp.Description("Session whose token ledger is charged (default: default)"),
		),
		mcp.WithString("category",
			mcp.Description("Consumer category used for the level-3 section mapping"),
		),
		mcp.WithString("consumer",
			mcp.Description("Consumer ID, recorded in logs"),
		),
	)
}

// Handle processes the ctx_load tool call.
func (t *LoadTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID := req.GetString("doc", "")
	if docID == "" {
		return mcp.NewToolResultError("'doc' is required"), nil
	}

	want, err := wantFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.reader.LoadContext(ctx, loader.Request{
		ConsumerID: req.GetString("consumer", ""),
		SessionID:  req.GetString("session", ""),
		Category:   req.GetString("category", ""),
		DocID:      docID,
		Want:       want,
	})
	if err != nil {
		return toolError("load", err), nil
	}

	t.logger.Debug("ctx_load served",
		slog.String("doc_id", res.DocID),
		slog.Int("level", int(res.Level)),
		slog.Int("tokens", res.Tokens),
	)

	return jsonResult(res)
}

// wantFrom builds the level/budget request from the optional arguments.
func wantFrom(req mcp.CallToolRequest) (loader.Want, error) {
	var want loader.Want

	if s := req.GetString("level", ""); s != "" {
		l, err := loader.ParseLevel(s)
		if err != nil {
			return want, err
		}

		want = loader.AtLevel(l)
	}

	if budget, ok := intArg(req, "budget", 0); ok {
		if budget < 0 {
			return want, errors.New("'budget' must not be negative")
		}

		if _, hasLevel := want.Level(); hasLevel {
			want = want.WithBudget(budget)
		} else {
			want = loader.WithinBudget(budget)
		}
	}

	return want, nil
}

// GetPathTool handles ctx_get_path.
type GetPathTool struct {
	reader Reader
}

// Definition returns the MCP tool definition for ctx_get_path.
func (t *GetPathTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_get_path",
		mcp.WithDescription(
			"Read one value from a document by path, e.g. status, competitors/0/price or "+
				"section.pricing.body. Paths without a known root resolve inside the document's fields.",
		),
		mcp.WithString("doc", mcp.Required(), mcp.Description("Document ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path delimited by / or .")),
	)
}

// Handle processes the ctx_get_path tool call.
func (t *GetPathTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID := req.GetString("doc", "")
	path := req.GetString("path", "")

	if docID == "" || path == "" {
		return mcp.NewToolResultError("'doc' and 'path' are required"), nil
	}

	res, err := t.reader.GetPath(ctx, docID, path)
	if err != nil {
		return toolError("get path", err), nil
	}

	return jsonResult(res)
}

// QueryTool handles ctx_query.
type QueryTool struct {
	reader Reader
}

// Definition returns the MCP tool definition for ctx_query.
func (t *QueryTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_query",
		mcp.WithDescription(
			"Filter the rows of an array in a document, keeping their order. Conditions compare "+
				"a row field with a constant using =, !=, <, <=, > or >=.",
		),
		mcp.WithString("doc", mcp.Required(), mcp.Description("Document ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the array, e.g. competitors")),
		mcp.WithString("where",
			mcp.Description("Comma-separated conditions, e.g. price<10,region=EU"),
		),
		mcp.WithString("predicate",
			mcp.Description(`JSON predicate object, e.g. {"price": {"<": 10}, "region": "EU"}`),
		),
	)
}

// Handle processes the ctx_query tool call.
func (t *QueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID := req.GetString("doc", "")
	path := req.GetString("path", "")

	if docID == "" || path == "" {
		return mcp.NewToolResultError("'doc' and 'path' are required"), nil
	}

	p, err := predicateFrom(req.GetString("where", ""), req.GetString("predicate", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.reader.QueryArray(ctx, docID, path, p)
	if err != nil {
		return toolError("query", err), nil
	}

	return jsonResult(res)
}

// predicateFrom merges where expressions and a JSON predicate object.
func predicateFrom(where, object string) (query.Predicate, error) {
	var exprs []string

	for e := range strings.SplitSeq(where, ",") {
		if e = strings.TrimSpace(e); e != "" {
			exprs = append(exprs, e)
		}
	}

	p, err := query.ParseWheres(exprs)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(object) == "" {
		return p, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(object), &m); err != nil {
		return nil, fmt.Errorf("'predicate' is not a JSON object: %w", err)
	}

	fromObject, err := query.ParsePredicate(m)
	if err != nil {
		return nil, err
	}

	return query.And(p, fromObject), nil
}

// StatusTool handles ctx_status.
type StatusTool struct {
	reader Reader
}

// Definition returns the MCP tool definition for ctx_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_status",
		mcp.WithDescription(
			"Report a document's sync status, or with no document the number of documents per "+
				"status. Pass a session to include its token ledger.",
		),
		mcp.WithString("doc", mcp.Description("Document ID")),
		mcp.WithString("session", mcp.Description("Session whose ledger to report")),
	)
}

type statusResponse struct {
	Document any                    `json:"document,omitempty"`
	Counts   map[string]int         `json:"counts,omitempty"`
	Ledger   *loader.LedgerSnapshot `json:"ledger,omitempty"`
}

// Handle processes the ctx_status tool call.
func (t *StatusTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var resp statusResponse

	if docID := req.GetString("doc", ""); docID != "" {
		meta, ok := t.reader.Document(docID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("document %q not found", docID)), nil
		}

		resp.Document = meta
	} else {
		resp.Counts = make(map[string]int)
		for status, n := range t.reader.Counts() {
			resp.Counts[string(status)] = n
		}
	}

	if session := req.GetString("session", ""); session != "" {
		snap := t.reader.Ledger(session)
		resp.Ledger = &snap
	}

	return jsonResult(resp)
}

// toolError reports a service error as a tool-level failure.
func toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		return mcp.NewToolResultError("document not found: " + err.Error())
	case errors.Is(err, service.ErrOrphaned):
		return mcp.NewToolResultError("document source was deleted: " + err.Error())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
	}
}
