package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPredicate is returned for predicates that cannot be parsed.
var ErrInvalidPredicate = errors.New("query: invalid predicate")

// Op is a comparison operator.
type Op string

// Supported comparison operators.
const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// opAliases maps accepted spellings onto operators.
var opAliases = map[string]Op{
	"=": OpEq, "==": OpEq, "eq": OpEq,
	"!=": OpNe, "ne": OpNe,
	"<": OpLt, "lt": OpLt,
	"<=": OpLe, "le": OpLe, "lte": OpLe,
	">": OpGt, "gt": OpGt,
	">=": OpGe, "ge": OpGe, "gte": OpGe,
}

// whereOps is the scan order for ParseWhere; two-character spellings first.
var whereOps = []string{"<=", ">=", "!=", "==", "<", ">", "="}

// Condition compares one field of an element against a constant. Field may
// itself be a path into the element.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Predicate is a conjunction of conditions. The empty predicate matches
// every element.
type Predicate []Condition

// ParsePredicate builds a predicate from a decoded JSON or YAML object of
// the form {"price": {"<": 10}, "status": "open"}. A bare value means
// equality. Conditions are sorted by field and operator.
func ParsePredicate(m map[string]any) (Predicate, error) {
	var p Predicate

	for field, spec := range m {
		if field == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidPredicate)
		}

		ops, isMap := spec.(map[string]any)
		if !isMap {
			p = append(p, Condition{Field: field, Op: OpEq, Value: literal(spec)})

			continue
		}

		if len(ops) == 0 {
			return nil, fmt.Errorf("%w: no operators for field %q", ErrInvalidPredicate, field)
		}

		for name, v := range ops {
			op, ok := opAliases[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("%w: unknown operator %q for field %q", ErrInvalidPredicate, name, field)
			}

			p = append(p, Condition{Field: field, Op: op, Value: literal(v)})
		}
	}

	p.sort()

	return p, nil
}

// ParseWhere parses a single "field<op>value" expression such as
// "price<10" or "status=open".
func ParseWhere(expr string) (Condition, error) {
	for _, tok := range whereOps {
		i := strings.Index(expr, tok)
		if i <= 0 {
			continue
		}

		// The first operator wins: "x=a<b" compares x with "a<b".
		if j := strings.IndexAny(expr, "<>!="); j >= 0 && j < i {
			continue
		}

		op := opAliases[tok]
		field := strings.TrimSpace(expr[:i])
		value := strings.TrimSpace(expr[i+len(tok):])

		if field == "" {
			break
		}

		return Condition{Field: field, Op: op, Value: parseLiteral(value)}, nil
	}

	return Condition{}, fmt.Errorf("%w: %q is not of the form field<op>value", ErrInvalidPredicate, expr)
}

// ParseWheres parses several expressions into one sorted predicate.
func ParseWheres(exprs []string) (Predicate, error) {
	p := make(Predicate, 0, len(exprs))

	for _, e := range exprs {
		c, err := ParseWhere(e)
		if err != nil {
			return nil, err
		}

		p = append(p, c)
	}

	p.sort()

	return p, nil
}

// And joins predicates into one sorted conjunction.
func And(ps ...Predicate) Predicate {
	var out Predicate
	for _, p := range ps {
		out = append(out, p...)
	}

	out.sort()

	return out
}

func (p Predicate) sort() {
	sort.SliceStable(p, func(i, j int) bool {
		if p[i].Field != p[j].Field {
			return p[i].Field < p[j].Field
		}

		return p[i].Op < p[j].Op
	})
}

// Shape returns a canonical string form of the predicate, stable across
// equal predicates. Used to key cached query results.
func (p Predicate) Shape() string {
	if len(p) == 0 {
		return ""
	}

	parts := make([]string, len(p))
	for i, c := range p {
		v, _ := json.Marshal(c.Value)
		parts[i] = c.Field + string(c.Op) + string(v)
	}

	return strings.Join(parts, "&")
}

// Match reports whether elem satisfies every condition.
func (p Predicate) Match(elem any) bool {
	for _, c := range p {
		if !c.Match(elem) {
			return false
		}
	}

	return true
}

// Match reports whether elem satisfies the condition. An element lacking
// the field never matches.
func (c Condition) Match(elem any) bool {
	v, ok := getSegments(elem, SplitPath(c.Field))
	if !ok || v == nil {
		return false
	}

	cmp, ok := compare(v, c.Value)

	switch c.Op {
	case OpEq:
		return ok && cmp == 0
	case OpNe:
		return !ok || cmp != 0
	}

	if !ok || isBool(v) {
		return false
	}

	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// compare orders a against b. Numbers compare numerically, with numeric
// strings coerced when the other side is a number; strings compare
// lexically; booleans only compare for equality (false < true).
func compare(a, b any) (int, bool) {
	af, aNum := number(a)
	bf, bNum := number(b)

	switch {
	case aNum && bNum:
		return compareFloat(af, bf), true
	case aNum:
		if s, ok := b.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return compareFloat(af, f), true
			}
		}

		return 0, false
	case bNum:
		if s, ok := a.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return compareFloat(f, bf), true
			}
		}

		return 0, false
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}

		return 0, false
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return compareBool(ab, bb), true
		}
	}

	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func isBool(v any) bool {
	_, ok := v.(bool)

	return ok
}

// number returns v as a float64 when it holds a numeric type.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// literal normalizes a decoded predicate constant.
func literal(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}

		f, _ := n.Float64()

		return f
	}

	return v
}

// parseLiteral types a textual constant from the command line.
func parseLiteral(s string) any {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	switch s {
	case "true":
		return true
	case "false":
		return false
	}

	return s
}
