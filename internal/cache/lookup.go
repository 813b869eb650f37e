package cache

// Lookup is the result of a cache read: a value, or an explicit miss. A
// miss is an ordinary outcome, never an error.
type Lookup[T any] struct {
	value T
	ok    bool
}

// Hit wraps a found value.
func Hit[T any](v T) Lookup[T] {
	return Lookup[T]{value: v, ok: true}
}

// Miss is the empty lookup.
func Miss[T any]() Lookup[T] {
	return Lookup[T]{}
}

// OK reports whether the lookup found a value.
func (l Lookup[T]) OK() bool {
	return l.ok
}

// Get returns the value and whether it was found.
func (l Lookup[T]) Get() (T, bool) {
	return l.value, l.ok
}

// Or returns the cached value on a hit and calls fallback on a miss.
func (l Lookup[T]) Or(fallback func() (T, error)) (T, error) {
	if l.ok {
		return l.value, nil
	}

	return fallback()
}
