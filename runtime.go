package quarry

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/petermattis/goid"
	"go.uber.org/atomic"

	"github.com/quarry-framework/quarry/internal/logger"
)

// RuntimeID identifies one worker handle. The writer handle is RuntimeID 0;
// every snapshot gets a fresh id. Ids are the node identity of the wait
// graph.
type RuntimeID int64

// DB is a worker handle into the engine: the writer handle obtained from
// Engine.DB, or a read-only snapshot obtained from Engine.Snapshot. A DB
// carries the worker's active-query stack and therefore must not be shared
// between goroutines while queries are running on it.
type DB struct {
	eng      *Engine
	id       RuntimeID
	writer   bool
	released atomic.Bool

	stack      []*activeFrame
	stackOwner atomic.Int64
}

// Engine returns the engine this handle belongs to.
func (db *DB) Engine() *Engine { return db.eng }

// RuntimeID returns this handle's runtime identity.
func (db *DB) RuntimeID() RuntimeID { return db.id }

// Revision returns the engine's current revision.
func (db *DB) Revision() Revision { return db.eng.registry.Current() }

// IsCurrentRevisionCanceled reports whether a write is pending. Long-running
// queries should poll this and unwind; there is no forced preemption.
func (db *DB) IsCurrentRevisionCanceled() bool {
	return db.eng.pendingWrite.Load()
}

// ErrIfCanceled returns ErrCanceled when a write is pending, nil otherwise.
// Returning the error from a query function aborts the computation without
// installing a memo.
func (db *DB) ErrIfCanceled() error {
	if db.IsCurrentRevisionCanceled() {
		logger.Debug(logger.TagCancel, "runtime %d observed pending write", db.id)
		return ErrCanceled
	}
	return nil
}

// Release drops a snapshot's shared hold on the engine, allowing pending
// writes to proceed. Releasing twice, or releasing the writer handle, is a
// no-op.
func (db *DB) Release() {
	if db.writer {
		return
	}
	if db.released.CompareAndSwap(false, true) {
		logger.Debug(logger.TagSnapshot, "snapshot runtime %d released", db.id)
		db.eng.queryLock.RUnlock()
	}
}

// ReportUntracked marks the current query as having read state the engine
// cannot see. The resulting memo is recomputed on any revision bump that
// exceeds its durability.
func (db *DB) ReportUntracked() {
	db.reportUntracked(Low)
}

// ReportSyntheticRead marks the current query as having read external state
// of known durability. Combined with Invalidate on the query, this is the
// on-demand input pattern.
func (db *DB) ReportSyntheticRead(d Durability) {
	db.reportUntracked(d)
}

func (db *DB) reportUntracked(d Durability) {
	if top := db.topFrame(); top != nil {
		top.addUntrackedRead(d, db.eng.registry.Current())
	}
}

// FmtIndex formats a slot identity using its owning query's formatter.
func (db *DB) FmtIndex(key DatabaseKeyIndex) string {
	return db.eng.fmtIndex(key)
}

// pushFrame begins dependency recording for one query execution. The stack
// is strictly per-worker: the first push records the owning goroutine and
// nested pushes from any other goroutine panic.
func (db *DB) pushFrame(key DatabaseKeyIndex) {
	gid := goid.Get()
	if len(db.stack) == 0 {
		db.stackOwner.Store(gid)
	} else if db.stackOwner.Load() != gid {
		panic("quarry: DB handle used from multiple goroutines during query execution; take a Snapshot per worker")
	}
	db.stack = append(db.stack, newActiveFrame(key, db.eng.registry.Current()))
}

// popFrame ends the top frame and returns its accumulated result.
func (db *DB) popFrame() frameResult {
	top := db.stack[len(db.stack)-1]
	db.stack[len(db.stack)-1] = nil
	db.stack = db.stack[:len(db.stack)-1]
	return top.complete()
}

func (db *DB) topFrame() *activeFrame {
	if len(db.stack) == 0 {
		return nil
	}
	return db.stack[len(db.stack)-1]
}

// reportRead propagates a child observation into the parent frame, if any.
func (db *DB) reportRead(dep DatabaseKeyIndex, d Durability, changedAt Revision) {
	if top := db.topFrame(); top != nil {
		top.addRead(dep, d, changedAt)
	}
}

func (db *DB) stackKeys() []DatabaseKeyIndex {
	keys := make([]DatabaseKeyIndex, len(db.stack))
	for i, f := range db.stack {
		keys[i] = f.key
	}
	return keys
}

// collectCycle reconstructs the participant list for a detected cycle: this
// worker's stack suffix starting at the requested slot, plus, for a
// cross-runtime cycle, the stack paths recorded in the wait graph along the
// chain back to us. Each participant appears exactly once, in discovery
// order.
func (db *DB) collectCycle(requested DatabaseKeyIndex, owner RuntimeID) []DatabaseKeyIndex {
	keys := db.stackKeys()
	start := 0
	for i, k := range keys {
		if k == requested {
			start = i
			break
		}
	}

	seen := mapset.NewThreadUnsafeSet[DatabaseKeyIndex]()
	var participants []DatabaseKeyIndex
	add := func(k DatabaseKeyIndex) {
		if seen.Add(k) {
			participants = append(participants, k)
		}
	}

	for _, k := range keys[start:] {
		add(k)
	}
	if owner != db.id {
		add(requested)
		for _, path := range db.eng.waits.CyclePaths(db.id, owner) {
			for _, k := range path {
				add(k)
			}
		}
	}
	return participants
}

// newCycleError builds the error for a cycle this worker detected. The
// stamp is the maximum changed-at and minimum durability over this worker's
// participating frames, so recovered values carry an honest stamp.
func (db *DB) newCycleError(participants []DatabaseKeyIndex) *CycleError {
	inCycle := mapset.NewThreadUnsafeSet[DatabaseKeyIndex](participants...)
	durability := Low
	changedAt := db.eng.registry.Current()
	first := true
	for _, f := range db.stack {
		if !inCycle.Contains(f.key) {
			continue
		}
		if first {
			durability = f.durability
			first = false
		} else if f.durability < durability {
			durability = f.durability
		}
		if f.changedAt > changedAt {
			changedAt = f.changedAt
		}
	}

	descriptions := make([]string, len(participants))
	for i, k := range participants {
		descriptions[i] = db.eng.fmtIndex(k)
	}
	logger.Debug(logger.TagCycle, "runtime %d detected cycle: %v", db.id, descriptions)

	return &CycleError{
		Cycle:        participants,
		ChangedAt:    changedAt,
		Durability:   durability,
		Descriptions: descriptions,
	}
}

// markCycleParticipants flags this worker's frames that belong to the given
// cycle, so their completions know a cycle passed through them.
func (db *DB) markCycleParticipants(cycle []DatabaseKeyIndex) {
	inCycle := mapset.NewThreadUnsafeSet[DatabaseKeyIndex](cycle...)
	for _, f := range db.stack {
		if inCycle.Contains(f.key) {
			f.cycle = cycle
		}
	}
}
