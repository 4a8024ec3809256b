package quarry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarry-framework/quarry/internal/logger"
)

// RecoveryFunc produces a substitute value when the query participates in a
// dependency cycle. The participant list is formatted as opaque strings. A
// false return declines recovery and surfaces the CycleError.
type RecoveryFunc[K comparable, V any] func(db *DB, cycle []string, key K) (V, bool)

// derivedStorage holds every slot of one derived query plus its memoization
// policy: whether values are stored, how equality is decided for backdating,
// the optional cycle recovery, and the optional LRU bound on stored values.
type derivedStorage[K comparable, V any] struct {
	group   *Group
	name    string
	index   uint16
	fn      func(*DB, K) (V, error)
	memoize bool

	equal    func(a, b V) bool
	recovery RecoveryFunc[K, V]

	mu    sync.RWMutex
	keys  map[K]uint32
	slots []*derivedSlot[K, V]

	lruMu sync.Mutex
	cache *lru.Cache[uint32, *derivedSlot[K, V]]
}

// Query is the handle for a derived (memoized or dependencies-only) query.
type Query[K comparable, V any] struct {
	st *derivedStorage[K, V]
}

// Derived registers a memoized query in the group: results are cached per
// key, dependencies are recorded during execution, and cached values are
// revalidated incrementally when inputs change.
func Derived[K comparable, V any](g *Group, name string, fn func(*DB, K) (V, error)) *Query[K, V] {
	return newDerived(g, name, fn, true)
}

// DependenciesOnly registers a derived query that tracks dependencies and
// change revisions but never stores the computed value.
func DependenciesOnly[K comparable, V any](g *Group, name string, fn func(*DB, K) (V, error)) *Query[K, V] {
	return newDerived(g, name, fn, false)
}

func newDerived[K comparable, V any](g *Group, name string, fn func(*DB, K) (V, error), memoize bool) *Query[K, V] {
	st := &derivedStorage[K, V]{
		group:   g,
		name:    name,
		fn:      fn,
		memoize: memoize,
		equal:   defaultEqual[V](),
		keys:    make(map[K]uint32),
	}
	st.index = g.register(st)
	return &Query[K, V]{st: st}
}

// defaultEqual picks an equality hook for backdating: direct comparison for
// the common scalar types, deep equality otherwise.
func defaultEqual[V any]() func(a, b V) bool {
	return func(a, b V) bool {
		switch av := any(a).(type) {
		case int:
			bv, ok := any(b).(int)
			return ok && av == bv
		case int64:
			bv, ok := any(b).(int64)
			return ok && av == bv
		case uint32:
			bv, ok := any(b).(uint32)
			return ok && av == bv
		case string:
			bv, ok := any(b).(string)
			return ok && av == bv
		case bool:
			bv, ok := any(b).(bool)
			return ok && av == bv
		}
		return reflect.DeepEqual(a, b)
	}
}

// Name returns the query's registered name.
func (q *Query[K, V]) Name() string { return q.st.name }

// SetEqual replaces the backdating equality hook. Configure before first
// use.
func (q *Query[K, V]) SetEqual(equal func(a, b V) bool) *Query[K, V] {
	q.st.equal = equal
	return q
}

// SetCycleRecovery registers the cycle recovery function. Configure before
// first use.
func (q *Query[K, V]) SetCycleRecovery(fn RecoveryFunc[K, V]) *Query[K, V] {
	q.st.recovery = fn
	return q
}

// SetLRUCapacity bounds how many memoized values this query retains; the
// least recently read value beyond the bound is evicted (its dependency
// record is kept). Zero disables the bound.
func (q *Query[K, V]) SetLRUCapacity(n int) *Query[K, V] {
	q.st.setLRUCapacity(n)
	return q
}

// Get returns the query's value for key, computing it if needed.
func (q *Query[K, V]) Get(db *DB, key K) (V, error) {
	return q.GetContext(context.Background(), db, key)
}

// GetContext is Get with a context observed at blocking points: when this
// worker waits on a peer that is already computing the same slot.
func (q *Query[K, V]) GetContext(ctx context.Context, db *DB, key K) (V, error) {
	slot := q.st.slotFor(key)
	out, err := slot.read(ctx, db)
	if err != nil {
		var zero V
		return zero, err
	}
	db.reportRead(slot.index, out.durability, out.changedAt)
	q.st.touch(slot)
	return out.value, nil
}

// Peek returns the memoized value if one is verified at the current
// revision. It never executes and never blocks.
func (q *Query[K, V]) Peek(db *DB, key K) (Stamped[V], bool) {
	q.st.mu.RLock()
	idx, ok := q.st.keys[key]
	var slot *derivedSlot[K, V]
	if ok {
		slot = q.st.slots[idx]
	}
	q.st.mu.RUnlock()
	if slot == nil {
		return Stamped[V]{}, false
	}
	return slot.peek(db.eng.registry.Current())
}

// MaybeChangedSince reports whether the value for key changed strictly
// after the given revision. It may validate dependencies recursively and may
// execute the query.
func (q *Query[K, V]) MaybeChangedSince(db *DB, key K, since Revision) (bool, error) {
	return q.st.slotFor(key).maybeChangedSince(context.Background(), db, since)
}

// Invalidate marks the key's recorded inputs as untracked and bumps the
// revision at the memo's durability, forcing re-execution on the next read.
// Writer handle only. It reports whether a memo existed.
func (q *Query[K, V]) Invalidate(db *DB, key K) bool {
	if !db.writer {
		panic("quarry: Invalidate requires the writer handle")
	}
	slot := q.st.slotIfPresent(key)
	if slot == nil {
		return false
	}
	d, ok := slot.invalidate()
	if !ok {
		return false
	}
	logger.Debug(logger.TagSlot, "%s invalidated at %s", q.st.fmtKey(slot.index.Key), d)
	db.eng.SyntheticWrite(d)
	return true
}

// Evict drops the memoized value for key, keeping the dependency record.
// A memo with untracked inputs keeps its value.
func (q *Query[K, V]) Evict(db *DB, key K) {
	if slot := q.st.slotIfPresent(key); slot != nil {
		slot.evictValue()
	}
}

// Sweep applies a strategy to every slot of this query.
func (q *Query[K, V]) Sweep(db *DB, strategy SweepStrategy) {
	q.st.sweep(db.eng.registry.Current(), strategy)
}

// FmtIndex formats a slot identity belonging to this query.
func (q *Query[K, V]) FmtIndex(key DatabaseKeyIndex) string {
	return q.st.fmtKey(key.Key)
}

func (st *derivedStorage[K, V]) slotFor(key K) *derivedSlot[K, V] {
	st.mu.RLock()
	if idx, ok := st.keys[key]; ok {
		slot := st.slots[idx]
		st.mu.RUnlock()
		return slot
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if idx, ok := st.keys[key]; ok {
		return st.slots[idx]
	}
	idx := uint32(len(st.slots))
	slot := &derivedSlot[K, V]{
		st:  st,
		key: key,
		index: DatabaseKeyIndex{
			Group: st.group.index,
			Query: st.index,
			Key:   idx,
		},
	}
	st.keys[key] = idx
	st.slots = append(st.slots, slot)
	return slot
}

func (st *derivedStorage[K, V]) slotIfPresent(key K) *derivedSlot[K, V] {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if idx, ok := st.keys[key]; ok {
		return st.slots[idx]
	}
	return nil
}

func (st *derivedStorage[K, V]) slotAt(key uint32) *derivedSlot[K, V] {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(key) >= len(st.slots) {
		return nil
	}
	return st.slots[key]
}

func (st *derivedStorage[K, V]) allSlots() []*derivedSlot[K, V] {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]*derivedSlot[K, V](nil), st.slots...)
}

// touch records a read for LRU purposes; the cache's eviction callback nulls
// the least recently read value once the bound is exceeded.
func (st *derivedStorage[K, V]) touch(slot *derivedSlot[K, V]) {
	st.lruMu.Lock()
	defer st.lruMu.Unlock()
	if st.cache != nil {
		st.cache.Add(slot.index.Key, slot)
	}
}

func (st *derivedStorage[K, V]) setLRUCapacity(n int) {
	st.lruMu.Lock()
	defer st.lruMu.Unlock()
	if n <= 0 {
		st.cache = nil
		return
	}
	cache, err := lru.NewWithEvict(n, func(_ uint32, slot *derivedSlot[K, V]) {
		logger.Trace(logger.TagLRU, "%s value evicted", slot.st.fmtKey(slot.index.Key))
		slot.evictValue()
	})
	if err != nil {
		panic(err)
	}
	st.cache = cache
}

// queryStorage implementation.

func (st *derivedStorage[K, V]) queryName() string { return st.name }

func (st *derivedStorage[K, V]) fmtKey(key uint32) string {
	if slot := st.slotAt(key); slot != nil {
		return fmt.Sprintf("%s(%v)", st.name, slot.key)
	}
	return fmt.Sprintf("%s(#%d)", st.name, key)
}

func (st *derivedStorage[K, V]) maybeChangedSince(ctx context.Context, db *DB, key uint32, since Revision) (bool, error) {
	slot := st.slotAt(key)
	if slot == nil {
		return true, nil
	}
	return slot.maybeChangedSince(ctx, db, since)
}

func (st *derivedStorage[K, V]) sweep(now Revision, strategy SweepStrategy) {
	for _, slot := range st.allSlots() {
		slot.sweep(now, strategy)
	}
}
