package sync

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DocIDForPath maps a path relative to the source root to its document
// ID: slash-separated, NFC-normalized, extension removed.
// "research/competitors.md" becomes "research/competitors".
func DocIDForPath(relPath string) string {
	p := nfcNormalize(filepath.ToSlash(relPath))

	return strings.TrimSuffix(p, path.Ext(p))
}

// nfcNormalize applies Unicode NFC normalization so the same name typed
// on different platforms maps to one ID.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}

// NormalizeDocID cleans a caller-supplied ID: slashes, NFC, no leading or
// trailing separators. It does not strip extensions.
func NormalizeDocID(id string) string {
	id = nfcNormalize(filepath.ToSlash(strings.TrimSpace(id)))

	return strings.Trim(path.Clean("/" + id)[1:], "/")
}
