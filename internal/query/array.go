package query

// QueryArray returns the elements of the array at arrayPath that satisfy p,
// in their original order. A missing path, or a path that does not address
// an array, yields an empty result rather than an error.
func QueryArray(tree any, arrayPath string, p Predicate) []any {
	node, ok := GetPath(tree, arrayPath)
	if !ok {
		return []any{}
	}

	var elems []any

	switch arr := node.(type) {
	case []any:
		elems = arr
	case []map[string]any:
		elems = make([]any, len(arr))
		for i, e := range arr {
			elems[i] = e
		}
	default:
		return []any{}
	}

	out := make([]any, 0, len(elems))

	for _, e := range elems {
		if p.Match(e) {
			out = append(out, e)
		}
	}

	return out
}
