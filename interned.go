package quarry

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// InternID is the integer identity an interner assigns to a unique key.
type InternID uint32

// Interner assigns monotonically increasing ids to unique keys and answers
// reverse lookups through a paired lookup query sharing the same table.
// Assignments never change once made, so interned reads carry High
// durability.
type Interner[K comparable] struct {
	st     *internStorage[K]
	lookup *internLookupStorage[K]
}

type internEntry[K comparable] struct {
	key        K
	internedAt Revision
}

type internStorage[K comparable] struct {
	group *Group
	name  string
	index uint16

	mu      sync.RWMutex
	ids     map[K]InternID
	entries []internEntry[K]
}

// internLookupStorage is the reverse-lookup view of the shared intern table.
type internLookupStorage[K comparable] struct {
	table *internStorage[K]
	index uint16
}

// NewInterner registers an interned query and its lookup in the group.
func NewInterner[K comparable](g *Group, name string) *Interner[K] {
	st := &internStorage[K]{
		group: g,
		name:  name,
		ids:   make(map[K]InternID),
	}
	st.index = g.register(st)
	lk := &internLookupStorage[K]{table: st}
	lk.index = g.register(lk)
	return &Interner[K]{st: st, lookup: lk}
}

// Name returns the interner's registered name.
func (in *Interner[K]) Name() string { return in.st.name }

// Intern returns the id for key, assigning the next id on first sight. The
// call records a dependency on the interned slot.
func (in *Interner[K]) Intern(db *DB, key K) InternID {
	st := in.st

	st.mu.RLock()
	id, ok := st.ids[key]
	st.mu.RUnlock()

	if !ok {
		st.mu.Lock()
		id, ok = st.ids[key]
		if !ok {
			id = InternID(len(st.entries))
			st.ids[key] = id
			st.entries = append(st.entries, internEntry[K]{key: key, internedAt: db.eng.registry.Current()})
		}
		st.mu.Unlock()
	}

	st.mu.RLock()
	internedAt := st.entries[id].internedAt
	st.mu.RUnlock()

	db.reportRead(DatabaseKeyIndex{Group: st.group.index, Query: st.index, Key: uint32(id)}, High, internedAt)
	return id
}

// Lookup returns the key originally interned under id, recording a
// dependency on the lookup slot.
func (in *Interner[K]) Lookup(db *DB, id InternID) (K, error) {
	st := in.st

	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.entries) {
		var zero K
		return zero, errors.Errorf("quarry: %s: unknown intern id %d", st.name, id)
	}
	entry := st.entries[id]

	db.reportRead(DatabaseKeyIndex{Group: st.group.index, Query: in.lookup.index, Key: uint32(id)}, High, entry.internedAt)
	return entry.key, nil
}

// Len returns how many keys have been interned.
func (in *Interner[K]) Len() int {
	in.st.mu.RLock()
	defer in.st.mu.RUnlock()
	return len(in.st.entries)
}

// queryStorage implementation, shared by the table and its lookup view.
// Interned entries are never reclaimed: resetting them would recycle ids.

func (st *internStorage[K]) queryName() string { return st.name }

func (st *internStorage[K]) fmtKey(key uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(key) < len(st.entries) {
		return fmt.Sprintf("%s(%v)", st.name, st.entries[key].key)
	}
	return fmt.Sprintf("%s(#%d)", st.name, key)
}

func (st *internStorage[K]) maybeChangedSince(_ context.Context, _ *DB, key uint32, since Revision) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(key) >= len(st.entries) {
		return true, nil
	}
	return st.entries[key].internedAt > since, nil
}

func (st *internStorage[K]) sweep(Revision, SweepStrategy) {}

func (lk *internLookupStorage[K]) queryName() string {
	return lk.table.name + ".lookup"
}

func (lk *internLookupStorage[K]) fmtKey(key uint32) string {
	return lk.table.fmtKey(key)
}

func (lk *internLookupStorage[K]) maybeChangedSince(ctx context.Context, db *DB, key uint32, since Revision) (bool, error) {
	return lk.table.maybeChangedSince(ctx, db, key, since)
}

func (lk *internLookupStorage[K]) sweep(Revision, SweepStrategy) {}
