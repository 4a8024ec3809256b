package quarry

import (
	"github.com/emirpasic/gods/sets/linkedhashset"

	"github.com/quarry-framework/quarry/internal/revision"
)

// activeFrame accumulates what one in-progress query execution observes: the
// ordered-unique set of dependencies it read, the minimum durability and
// maximum changed-at revision over those reads, and whether any read was
// untracked. A frame is owned exclusively by the worker executing the query.
type activeFrame struct {
	key        DatabaseKeyIndex
	deps       *linkedhashset.Set
	untracked  bool
	durability Durability
	changedAt  Revision
	cycle      []DatabaseKeyIndex
}

func newActiveFrame(key DatabaseKeyIndex, startedAt Revision) *activeFrame {
	return &activeFrame{
		key:        key,
		deps:       linkedhashset.New(),
		durability: revision.Max,
		changedAt:  startedAt,
	}
}

// addRead records a dependency. Recording order equals call order; duplicate
// reads keep their first position.
func (f *activeFrame) addRead(dep DatabaseKeyIndex, d Durability, changedAt Revision) {
	f.deps.Add(dep)
	f.durability = revision.Min(f.durability, d)
	if changedAt > f.changedAt {
		f.changedAt = changedAt
	}
}

// addUntrackedRead poisons the frame's dependency set: the query observed
// state the engine cannot enumerate, so any later revision that changes a
// value of durability d or higher forces re-execution.
func (f *activeFrame) addUntrackedRead(d Durability, now Revision) {
	f.untracked = true
	f.durability = revision.Min(f.durability, d)
	if now > f.changedAt {
		f.changedAt = now
	}
}

// frameResult is what a completed frame contributes to the new memo.
type frameResult struct {
	// deps is nil when the frame saw an untracked read; an empty non-nil
	// slice means the query read nothing at all.
	deps       []DatabaseKeyIndex
	untracked  bool
	durability Durability
	changedAt  Revision
	cycle      []DatabaseKeyIndex
}

func (f *activeFrame) complete() frameResult {
	res := frameResult{
		untracked:  f.untracked,
		durability: f.durability,
		changedAt:  f.changedAt,
		cycle:      f.cycle,
	}
	if !f.untracked {
		vals := f.deps.Values()
		deps := make([]DatabaseKeyIndex, 0, len(vals))
		for _, v := range vals {
			deps = append(deps, v.(DatabaseKeyIndex))
		}
		res.deps = deps
	}
	return res
}
