package quarry

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarry-framework/quarry/internal/logger"
)

// Input is the handle for an input query: values are never computed, only
// set from outside. Every Set bumps the revision at the value's durability.
type Input[K comparable, V any] struct {
	st *inputStorage[K, V]
}

type inputStorage[K comparable, V any] struct {
	group *Group
	name  string
	index uint16

	mu    sync.RWMutex
	keys  map[K]uint32
	names []K
	slots []*inputSlot[V]
}

type inputSlot[V any] struct {
	mu         sync.RWMutex
	set        bool
	value      V
	changedAt  Revision
	durability Durability
}

// NewInput registers an input query in the group.
func NewInput[K comparable, V any](g *Group, name string) *Input[K, V] {
	st := &inputStorage[K, V]{
		group: g,
		name:  name,
		keys:  make(map[K]uint32),
	}
	st.index = g.register(st)
	return &Input[K, V]{st: st}
}

// Name returns the input's registered name.
func (in *Input[K, V]) Name() string { return in.st.name }

// Set stores a value at Low durability. Writer handle only: the call raises
// the cancellation flag and blocks until every snapshot has been released.
func (in *Input[K, V]) Set(db *DB, key K, value V) {
	in.SetWithDurability(db, key, value, Low)
}

// SetWithDurability stores a value, stamping it with a freshly bumped
// revision and the given durability.
func (in *Input[K, V]) SetWithDurability(db *DB, key K, value V, d Durability) {
	if !db.writer {
		panic("quarry: Set requires the writer handle")
	}
	slot, idx := in.st.slotFor(key)
	db.eng.withWrite(func() {
		rev := db.eng.registry.Bump(d)
		slot.mu.Lock()
		slot.set = true
		slot.value = value
		slot.changedAt = rev
		slot.durability = d
		slot.mu.Unlock()
		logger.Debug(logger.TagInput, "%s set at %s (%s)", in.st.fmtKey(idx), rev, d)
	})
	db.eng.emit(Event{
		Kind:        EventDidChangeInput,
		Runtime:     db.id,
		Key:         DatabaseKeyIndex{Group: in.st.group.index, Query: in.st.index, Key: idx},
		Description: in.st.fmtKey(idx),
	})
}

// Get returns the stored value, recording a dependency on it when called
// from inside a query. Reading a key that was never set is an error.
func (in *Input[K, V]) Get(db *DB, key K) (V, error) {
	slot, idx := in.st.slotFor(key)

	slot.mu.RLock()
	if !slot.set {
		slot.mu.RUnlock()
		var zero V
		return zero, &UnsetInputError{Query: in.st.name, Key: fmt.Sprint(key)}
	}
	out := stamped[V]{value: slot.value, changedAt: slot.changedAt, durability: slot.durability}
	slot.mu.RUnlock()

	db.reportRead(DatabaseKeyIndex{Group: in.st.group.index, Query: in.st.index, Key: idx}, out.durability, out.changedAt)
	return out.value, nil
}

// Peek returns the stored stamped value without recording a dependency.
func (in *Input[K, V]) Peek(db *DB, key K) (Stamped[V], bool) {
	slot := in.st.slotIfPresent(key)
	if slot == nil {
		return Stamped[V]{}, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	if !slot.set {
		return Stamped[V]{}, false
	}
	return Stamped[V]{Value: slot.value, ChangedAt: slot.changedAt, Durability: slot.durability}, true
}

func (st *inputStorage[K, V]) slotFor(key K) (*inputSlot[V], uint32) {
	st.mu.RLock()
	if idx, ok := st.keys[key]; ok {
		slot := st.slots[idx]
		st.mu.RUnlock()
		return slot, idx
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if idx, ok := st.keys[key]; ok {
		return st.slots[idx], idx
	}
	idx := uint32(len(st.slots))
	slot := &inputSlot[V]{}
	st.keys[key] = idx
	st.names = append(st.names, key)
	st.slots = append(st.slots, slot)
	return slot, idx
}

func (st *inputStorage[K, V]) slotIfPresent(key K) *inputSlot[V] {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if idx, ok := st.keys[key]; ok {
		return st.slots[idx]
	}
	return nil
}

// queryStorage implementation.

func (st *inputStorage[K, V]) queryName() string { return st.name }

func (st *inputStorage[K, V]) fmtKey(key uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(key) < len(st.names) {
		return fmt.Sprintf("%s(%v)", st.name, st.names[key])
	}
	return fmt.Sprintf("%s(#%d)", st.name, key)
}

func (st *inputStorage[K, V]) maybeChangedSince(_ context.Context, _ *DB, key uint32, since Revision) (bool, error) {
	st.mu.RLock()
	var slot *inputSlot[V]
	if int(key) < len(st.slots) {
		slot = st.slots[key]
	}
	st.mu.RUnlock()
	if slot == nil {
		return true, nil
	}

	slot.mu.RLock()
	defer slot.mu.RUnlock()
	if !slot.set {
		return true, nil
	}
	return slot.changedAt > since, nil
}

// Inputs hold no derived state to reclaim.
func (st *inputStorage[K, V]) sweep(Revision, SweepStrategy) {}
