package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// normalizeValue maps decoded YAML or JSON values onto the closed set of
// types used in derived trees: nil, bool, int64, float64, string, []any and
// map[string]any. NaN and infinities have no JSON form and are rejected.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64:
		return x, nil
	case float64:
		return finite(x)
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return float64(x), nil
		}

		return int64(x), nil
	case uint:
		return normalizeValue(uint64(x))
	case float32:
		return finite(float64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}

		if f, err := x.Float64(); err == nil {
			return finite(f)
		}

		return x.String(), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = n
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = n
		}

		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			key := fmt.Sprint(k)

			n, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = n
		}

		return out, nil
	default:
		return fmt.Sprint(x), nil
	}
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v", ErrSchemaViolation, f)
	}

	return f, nil
}

// NormalizeValue normalizes one decoded value.
func NormalizeValue(v any) (any, error) {
	return normalizeValue(v)
}

// NormalizeTree normalizes every value of a decoded field tree. Trees read
// back from the derived store pass through here so numbers regain their
// integer or float form.
func NormalizeTree(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}

	v, err := normalizeValue(fields)
	if err != nil {
		return nil, err
	}

	out, _ := v.(map[string]any)

	return out, nil
}

// parseCell types a table cell: integers, floats, booleans, otherwise the
// trimmed text.
func parseCell(s string) any {
	s = strings.TrimSpace(s)

	if i, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64); err == nil && looksNumeric(s) {
		return i
	}

	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil && looksNumeric(s) {
		return f
	}

	switch strings.ToLower(s) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	return s
}

// looksNumeric rejects strings strconv would accept but a reader would not
// call a number, such as "Inf", "NaN" or hex floats.
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.', r == '-', r == '+', r == ',', r == 'e', r == 'E':
		default:
			return false
		}
	}

	return true
}
