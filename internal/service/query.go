package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/codec"
	"github.com/tonimelisma/ctxsync/internal/convert"
	"github.com/tonimelisma/ctxsync/internal/query"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

// Root keys of the tree paths resolve against. A path whose first segment
// is not one of these resolves inside fields.
const (
	rootFields   = "fields"
	rootSections = "sections"
	rootSection  = "section"
	rootTitle    = "title"
	rootSummary  = "summary"
	rootCritical = "critical"
)

var rootKeys = map[string]bool{
	rootFields: true, rootSections: true, rootSection: true,
	rootTitle: true, rootSummary: true, rootCritical: true,
}

// PathResult is the outcome of a path lookup. Found is false for paths
// that do not resolve and for orphaned documents.
type PathResult struct {
	DocID       string `json:"doc_id"`
	Path        string `json:"path"`
	Value       any    `json:"value,omitempty"`
	Found       bool   `json:"found"`
	Stale       bool   `json:"stale"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// QueryResult is the outcome of an array query. Items keep the array's
// original order.
type QueryResult struct {
	DocID       string `json:"doc_id"`
	Path        string `json:"path"`
	Items       []any  `json:"items"`
	Stale       bool   `json:"stale"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// cachedResult is the cache encoding of a query outcome.
type cachedResult struct {
	Found bool `cbor:"found"`
	Value any  `cbor:"value"`
}

// GetPath resolves path in the document. Orphaned documents report not
// found, never the data they last held.
func (s *Service) GetPath(ctx context.Context, docID, path string) (PathResult, error) {
	docID = sync.NormalizeDocID(docID)
	res := PathResult{DocID: docID, Path: path}

	snap, err := s.Snapshot(ctx, docID)
	if errors.Is(err, ErrOrphaned) {
		res.Status = string(sync.StatusOrphaned)
		return res, nil
	}

	if err != nil {
		return res, err
	}

	res.Stale = snap.Stale
	res.Status = snap.Meta.Status
	res.Fingerprint = snap.Meta.SourceFingerprint

	out, err := s.cachedQuery(docID, snap.Meta.SourceFingerprint, shapeFor("path", path), func() cachedResult {
		v, found := resolvePath(snap.Doc, path)
		return cachedResult{Found: found, Value: v}
	})
	if err != nil {
		return res, err
	}

	res.Found = out.Found
	res.Value = out.Value

	return res, nil
}

// QueryArray filters the array at path with p, preserving order. A missing
// array, or an orphaned document, yields no items.
func (s *Service) QueryArray(ctx context.Context, docID, path string, p query.Predicate) (QueryResult, error) {
	docID = sync.NormalizeDocID(docID)
	res := QueryResult{DocID: docID, Path: path, Items: []any{}}

	snap, err := s.Snapshot(ctx, docID)
	if errors.Is(err, ErrOrphaned) {
		res.Status = string(sync.StatusOrphaned)
		return res, nil
	}

	if err != nil {
		return res, err
	}

	res.Stale = snap.Stale
	res.Status = snap.Meta.Status
	res.Fingerprint = snap.Meta.SourceFingerprint

	shape := shapeFor("query", path+"\x00"+p.Shape())

	out, err := s.cachedQuery(docID, snap.Meta.SourceFingerprint, shape, func() cachedResult {
		tree, arrayPath := resolveRoot(snap.Doc, path)
		return cachedResult{Found: true, Value: query.QueryArray(tree, arrayPath, p)}
	})
	if err != nil {
		return res, err
	}

	if items, ok := out.Value.([]any); ok {
		res.Items = items
	}

	return res, nil
}

// shapeFor hashes a query into a cache shape.
func shapeFor(kind, q string) string {
	return fmt.Sprintf("%s:%016x", kind, xxhash.Sum64String(q))
}

// cachedQuery returns the cached outcome for shape or computes, caches and
// returns it. Both paths return the decoded cache encoding, so a repeated
// query yields an identical value.
func (s *Service) cachedQuery(docID, fingerprint, shape string, compute func() cachedResult) (cachedResult, error) {
	key := cache.Key{DocID: docID, Fingerprint: fingerprint, Shape: shape}

	if s.cache != nil {
		if entry, ok := s.cache.Get(key).Get(); ok {
			out, err := decodeResult(entry.Value)
			if err == nil {
				return out, nil
			}

			s.logger.Warn("cached query result undecodable, recomputing",
				slog.String("doc_id", docID), slog.String("error", err.Error()))
		}
	}

	b, err := codec.Marshal(compute())
	if err != nil {
		return cachedResult{}, fmt.Errorf("service: encoding query result for %s: %w", docID, err)
	}

	if s.cache != nil {
		s.cache.Put(key, b)
	}

	return decodeResult(b)
}

func decodeResult(b []byte) (cachedResult, error) {
	var out cachedResult
	if err := codec.Unmarshal(b, &out); err != nil {
		return cachedResult{}, fmt.Errorf("service: decoding query result: %w", err)
	}

	v, err := convert.NormalizeValue(out.Value)
	if err != nil {
		return cachedResult{}, fmt.Errorf("service: decoding query result: %w", err)
	}

	out.Value = v

	if items, ok := out.Value.([]any); ok && items == nil {
		out.Value = []any{}
	}

	return out, nil
}

// resolvePath looks path up in the document tree, trying fields first for
// paths that do not start at a root key.
func resolvePath(doc *convert.Doc, path string) (any, bool) {
	tree, rel := resolveRoot(doc, path)
	return query.GetPath(tree, rel)
}

// resolveRoot returns the node path is relative to and the remaining path.
func resolveRoot(doc *convert.Doc, path string) (any, string) {
	segments := query.SplitPath(path)
	if len(segments) > 0 && !rootKeys[segments[0]] {
		return fieldsTree(doc), path
	}

	return docTree(doc), path
}

func fieldsTree(doc *convert.Doc) map[string]any {
	if doc.Fields == nil {
		return map[string]any{}
	}

	return doc.Fields
}

// docTree is the generic tree form of a document used for path lookups.
// Sections are addressable by position under "sections" and by ID under
// "section".
func docTree(doc *convert.Doc) map[string]any {
	sections := make([]any, len(doc.Sections))
	byID := make(map[string]any, len(doc.Sections))

	for i, s := range doc.Sections {
		node := sectionTree(s)
		sections[i] = node
		byID[s.ID] = node
	}

	critical := make([]any, len(doc.Critical))
	for i, c := range doc.Critical {
		critical[i] = c
	}

	return map[string]any{
		rootTitle:    doc.Title,
		rootSummary:  doc.Summary,
		rootCritical: critical,
		rootFields:   fieldsTree(doc),
		rootSections: sections,
		rootSection:  byID,
	}
}

func sectionTree(s convert.Section) map[string]any {
	items := make([]any, len(s.Items))
	for i, it := range s.Items {
		items[i] = it
	}

	tables := make([]any, len(s.Tables))
	for i, t := range s.Tables {
		columns := make([]any, len(t.Columns))
		for j, c := range t.Columns {
			columns[j] = c
		}

		rows := make([]any, len(t.Rows))
		for j, r := range t.Rows {
			rows[j] = r
		}

		tables[i] = map[string]any{"columns": columns, "rows": rows}
	}

	return map[string]any{
		"id":     s.ID,
		"title":  s.Title,
		"level":  int64(s.Level),
		"body":   s.Body,
		"items":  items,
		"tables": tables,
	}
}
