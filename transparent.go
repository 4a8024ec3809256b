package quarry

// TransparentQuery invokes its function on every call: no slot, no
// memoization, no dependency record of its own. Child calls made by the
// function still flow into the caller's active frame.
type TransparentQuery[K comparable, V any] struct {
	group *Group
	name  string
	fn    func(*DB, K) (V, error)
}

// Transparent registers a transparent query in the group.
func Transparent[K comparable, V any](g *Group, name string, fn func(*DB, K) (V, error)) *TransparentQuery[K, V] {
	return &TransparentQuery[K, V]{group: g, name: name, fn: fn}
}

// Name returns the query's registered name.
func (t *TransparentQuery[K, V]) Name() string { return t.name }

// Get invokes the function directly.
func (t *TransparentQuery[K, V]) Get(db *DB, key K) (V, error) {
	return t.fn(db, key)
}
