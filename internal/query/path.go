// Package query resolves paths into derived field trees and filters arrays
// of structured records. All functions are pure and safe for concurrent use
// on trees that are not being mutated.
package query

import (
	"strconv"
	"strings"
)

// SplitPath breaks a path on "/" and "." into segments. Empty segments are
// dropped, so "", "/" and "." all address the root.
func SplitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '.'
	})
}

// GetPath resolves path against tree. Numeric segments index arrays. The
// second return value is false when any segment does not resolve; a path
// that resolves to an explicit null is found.
func GetPath(tree any, path string) (any, bool) {
	return getSegments(tree, SplitPath(path))
}

func getSegments(node any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}

			node = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}

			node = n[i]
		case []map[string]any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}

			node = n[i]
		default:
			return nil, false
		}
	}

	return node, true
}
