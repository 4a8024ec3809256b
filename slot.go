package quarry

import (
	"context"
	"errors"
	"sync"

	"github.com/quarry-framework/quarry/internal/logger"
)

// slotState is the memoization state machine of one (query, key) cell.
type slotState int

const (
	stateNotComputed slotState = iota
	stateInProgress
	stateMemoized
)

// memoInputsKind describes what a memo knows about its inputs.
type memoInputsKind int

const (
	// inputsTracked: the ordered-unique dependency set was recorded.
	inputsTracked memoInputsKind = iota
	// inputsNone: the query read nothing at all.
	inputsNone
	// inputsUntracked: the query observed state the engine cannot see;
	// any revision bump exceeding its durability forces re-execution.
	inputsUntracked
)

// memo is the payload of a computed slot. value is nil when the value was
// swept but the dependency record is retained so downstream invalidation
// still works.
type memo[V any] struct {
	value      *V
	verifiedAt Revision
	changedAt  Revision
	durability Durability
	inputsKind memoInputsKind
	inputs     []DatabaseKeyIndex
}

// checkDurability reports whether no value of this memo's durability class
// has changed since it was last verified. When it holds, input walking can
// be skipped entirely.
func (m *memo[V]) checkDurability(e *Engine) bool {
	return e.registry.LastChanged(m.durability) <= m.verifiedAt
}

// waitResult is what a completing owner hands to each blocked waiter.
// Exactly one of the three shapes is sent: a stamped value, a cycle
// participant list, or an error; a closed channel without a send means the
// owner panicked.
type waitResult[V any] struct {
	value stamped[V]
	cycle []DatabaseKeyIndex
	err   error
}

// derivedSlot is the unit of memoization for a derived query: the state
// machine, the memo, and the wait queue of workers blocked on it. The
// reader-writer lock is never held across a call into user code.
type derivedSlot[K comparable, V any] struct {
	st    *derivedStorage[K, V]
	key   K
	index DatabaseKeyIndex

	mu      sync.RWMutex
	state   slotState
	memo    *memo[V]
	owner   RuntimeID
	waiters []chan waitResult[V]
}

// peek returns the memoized value if it is verified at the current revision.
// It never blocks and never executes.
func (s *derivedSlot[K, V]) peek(revNow Revision) (Stamped[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateMemoized && s.memo.value != nil && s.memo.verifiedAt == revNow {
		return Stamped[V]{
			Value:      *s.memo.value,
			ChangedAt:  s.memo.changedAt,
			Durability: s.memo.durability,
		}, true
	}
	return Stamped[V]{}, false
}

// read produces an up-to-date stamped value, executing the query function if
// necessary and blocking on a peer worker that is already computing it.
func (s *derivedSlot[K, V]) read(ctx context.Context, db *DB) (stamped[V], error) {
	revNow := db.eng.registry.Current()

	// Fast path: a verified memo under the read lock.
	s.mu.RLock()
	if s.state == stateMemoized && s.memo.value != nil && s.memo.verifiedAt == revNow {
		out := stamped[V]{value: *s.memo.value, changedAt: s.memo.changedAt, durability: s.memo.durability}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	return s.readUpgrade(ctx, db, revNow)
}

// readUpgrade re-probes under the write lock (the state may have moved since
// the read-locked probe), then either returns, blocks, or takes ownership
// and computes.
func (s *derivedSlot[K, V]) readUpgrade(ctx context.Context, db *DB, revNow Revision) (stamped[V], error) {
	var oldMemo *memo[V]

	s.mu.Lock()
	switch s.state {
	case stateMemoized:
		if s.memo.value != nil && s.memo.verifiedAt == revNow {
			out := stamped[V]{value: *s.memo.value, changedAt: s.memo.changedAt, durability: s.memo.durability}
			s.mu.Unlock()
			return out, nil
		}
		oldMemo = s.memo
		s.memo = nil
		s.becomeInProgress(db)
		s.mu.Unlock()

	case stateInProgress:
		// blockOn unlocks.
		return s.blockOn(ctx, db)

	case stateNotComputed:
		s.becomeInProgress(db)
		s.mu.Unlock()
	}

	return s.compute(ctx, db, revNow, oldMemo)
}

// becomeInProgress must be called with the write lock held.
func (s *derivedSlot[K, V]) becomeInProgress(db *DB) {
	s.state = stateInProgress
	s.owner = db.id
	s.waiters = nil
	logger.Trace(logger.TagSlot, "%s in progress on runtime %d", s.st.fmtKey(s.index.Key), db.id)
}

// blockOn is entered with the write lock held and an InProgress state. It
// either registers a one-shot wake channel and waits, or detects a cycle.
func (s *derivedSlot[K, V]) blockOn(ctx context.Context, db *DB) (stamped[V], error) {
	owner := s.owner
	if owner == db.id || !db.eng.waits.TryBlock(db.id, owner, s.index, db.stackKeys()) {
		s.mu.Unlock()
		return s.recoverOrFail(db, db.collectCycle(s.index, owner))
	}

	ch := make(chan waitResult[V], 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	db.eng.emit(Event{
		Kind:         EventWillBlockOn,
		Runtime:      db.id,
		OtherRuntime: owner,
		Key:          s.index,
		Description:  s.st.fmtKey(s.index.Key),
	})
	logger.Debug(logger.TagSlot, "runtime %d blocking on %s owned by runtime %d", db.id, s.st.fmtKey(s.index.Key), owner)

	var res waitResult[V]
	var ok bool
	select {
	case res, ok = <-ch:
	case <-ctx.Done():
		db.eng.waits.Unblock(db.id)
		return stamped[V]{}, ctx.Err()
	}
	db.eng.waits.Unblock(db.id)

	switch {
	case !ok:
		return stamped[V]{}, db.eng.propagatedPanic()
	case res.err != nil:
		return stamped[V]{}, res.err
	case len(res.cycle) > 0:
		return s.recoverOrFail(db, res.cycle)
	default:
		return res.value, nil
	}
}

// recoverOrFail turns a detected cycle into a recovered value when this
// query registered a recovery function, or into a CycleError.
func (s *derivedSlot[K, V]) recoverOrFail(db *DB, participants []DatabaseKeyIndex) (stamped[V], error) {
	cerr := db.newCycleError(participants)
	db.markCycleParticipants(participants)
	if rec := s.st.recovery; rec != nil {
		if v, ok := rec(db, cerr.Descriptions, s.key); ok {
			logger.Debug(logger.TagCycle, "%s recovered from cycle", s.st.fmtKey(s.index.Key))
			return stamped[V]{value: v, changedAt: cerr.ChangedAt, durability: cerr.Durability}, nil
		}
	}
	return stamped[V]{}, cerr
}

// compute owns the InProgress window: it first tries to validate the old
// memo without executing, then runs the query function with a fresh active
// frame, backdates, installs the new memo, and wakes waiters. On any exit
// that does not commit, whether error return or panic, the slot is restored to
// NotComputed and waiters are notified before the unwind continues.
func (s *derivedSlot[K, V]) compute(ctx context.Context, db *DB, revNow Revision, oldMemo *memo[V]) (out stamped[V], err error) {
	committed := false
	defer func() {
		if committed {
			return
		}
		if r := recover(); r != nil {
			s.abort(db, nil)
			panic(r)
		}
		s.abort(db, err)
	}()

	if oldMemo != nil {
		ok, verr := s.validate(ctx, db, revNow, oldMemo)
		if verr != nil {
			err = verr
			return
		}
		if ok {
			oldMemo.verifiedAt = revNow
			out = stamped[V]{value: *oldMemo.value, changedAt: oldMemo.changedAt, durability: oldMemo.durability}
			s.publish(db, oldMemo, waitResult[V]{value: out})
			committed = true
			db.eng.emit(Event{
				Kind:        EventDidValidateMemoizedValue,
				Runtime:     db.id,
				Key:         s.index,
				Description: s.st.fmtKey(s.index.Key),
			})
			logger.Debug(logger.TagValidate, "%s validated without execution", s.st.fmtKey(s.index.Key))
			return out, nil
		}
	}

	// Execute the user function with an active frame on top. The frame is
	// popped on every exit path, including a panic inside user code.
	db.pushFrame(s.index)
	popped := false
	var res frameResult
	pop := func() {
		if !popped {
			popped = true
			res = db.popFrame()
		}
	}
	defer pop()

	value, ferr := s.st.fn(db, s.key)
	pop()

	db.eng.emit(Event{
		Kind:        EventDidExecuteQuery,
		Runtime:     db.id,
		Key:         s.index,
		Description: s.st.fmtKey(s.index.Key),
	})

	if ferr != nil {
		// A cycle error climbing through a participant frame is converted
		// to a recovered value when this query registered recovery.
		var cerr *CycleError
		if errors.As(ferr, &cerr) && containsKey(cerr.Cycle, s.index) && s.st.recovery != nil {
			if v, ok := s.st.recovery(db, cerr.Descriptions, s.key); ok {
				value = v
				ferr = nil
				logger.Debug(logger.TagCycle, "%s recovered from propagated cycle", s.st.fmtKey(s.index.Key))
			}
		}
		if ferr != nil {
			err = ferr
			return
		}
	}

	if now := db.eng.registry.Current(); now != revNow {
		panic("quarry: revision altered during query execution")
	}

	// Backdate: an equal value at no lesser durability did not really
	// change, so downstream memos stay fresh.
	if oldMemo != nil && oldMemo.value != nil &&
		res.durability >= oldMemo.durability && s.st.equal(*oldMemo.value, value) {
		if oldMemo.changedAt > res.changedAt {
			panic("quarry: old memo changed after the recomputed value")
		}
		logger.Trace(logger.TagMemo, "%s backdated to %s", s.st.fmtKey(s.index.Key), oldMemo.changedAt)
		res.changedAt = oldMemo.changedAt
	}

	m := &memo[V]{
		verifiedAt: revNow,
		changedAt:  res.changedAt,
		durability: res.durability,
	}
	if s.st.memoize {
		v := value
		m.value = &v
	}
	switch {
	case res.untracked:
		m.inputsKind = inputsUntracked
	case len(res.deps) == 0:
		m.inputsKind = inputsNone
	default:
		m.inputsKind = inputsTracked
		m.inputs = res.deps
	}

	out = stamped[V]{value: value, changedAt: res.changedAt, durability: res.durability}
	s.publish(db, m, waitResult[V]{value: out})
	committed = true
	return out, nil
}

// validate decides whether the old memo can be reused without executing:
// either its durability class has not changed since verification, or every
// recorded input reports unchanged.
func (s *derivedSlot[K, V]) validate(ctx context.Context, db *DB, revNow Revision, m *memo[V]) (bool, error) {
	if m.value == nil {
		return false, nil
	}
	if m.checkDurability(db.eng) {
		return true, nil
	}
	switch m.inputsKind {
	case inputsUntracked:
		return false, nil
	case inputsNone:
		return true, nil
	default:
		for _, dep := range m.inputs {
			changed, err := db.eng.depMaybeChangedSince(ctx, db, dep, m.verifiedAt)
			if err != nil {
				return false, err
			}
			if changed {
				logger.Trace(logger.TagValidate, "%s: input %s changed", s.st.fmtKey(s.index.Key), db.eng.fmtIndex(dep))
				return false, nil
			}
		}
		return true, nil
	}
}

// publish installs a memo, releases ownership, and wakes every waiter with
// the result. Wait-graph edges into this slot are cleared before the sends
// so the graph never shows an edge into a completed owner.
func (s *derivedSlot[K, V]) publish(db *DB, m *memo[V], res waitResult[V]) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.state = stateMemoized
	s.memo = m
	s.owner = 0
	s.mu.Unlock()

	db.eng.waits.UnblockOn(db.id, s.index)
	for _, ch := range waiters {
		ch <- res
	}
}

// abort restores the slot to NotComputed after a failed computation. A nil
// err means the owner is panicking: waiter channels are closed without a
// send so peers observe the propagated panic. A cycle error is forwarded as
// a participant list so each waiter can attempt its own recovery.
func (s *derivedSlot[K, V]) abort(db *DB, err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.state = stateNotComputed
	s.memo = nil
	s.owner = 0
	s.mu.Unlock()

	db.eng.waits.UnblockOn(db.id, s.index)

	var cerr *CycleError
	switch {
	case err == nil:
		for _, ch := range waiters {
			close(ch)
		}
	case errors.As(err, &cerr):
		for _, ch := range waiters {
			ch <- waitResult[V]{cycle: cerr.Cycle}
		}
	default:
		for _, ch := range waiters {
			ch <- waitResult[V]{err: err}
		}
	}
}

// maybeChangedSince answers whether this slot's value changed strictly after
// since. It may recursively validate dependencies and may fall back to a
// full read.
func (s *derivedSlot[K, V]) maybeChangedSince(ctx context.Context, db *DB, since Revision) (bool, error) {
	revNow := db.eng.registry.Current()

	s.mu.Lock()
	switch s.state {
	case stateNotComputed:
		s.mu.Unlock()
		return true, nil

	case stateInProgress:
		return s.waitMaybeChanged(ctx, db, since)

	default:
		m := s.memo

		if m.verifiedAt == revNow {
			changed := m.changedAt > since
			s.mu.Unlock()
			return changed, nil
		}

		if m.checkDurability(db.eng) {
			m.verifiedAt = revNow
			changed := m.changedAt > since
			s.mu.Unlock()
			return changed, nil
		}

		switch m.inputsKind {
		case inputsUntracked:
			s.mu.Unlock()
			return true, nil

		case inputsNone:
			m.verifiedAt = revNow
			changed := m.changedAt > since
			s.mu.Unlock()
			return changed, nil

		default:
			if m.value != nil {
				// A stored value may need recomputation to answer
				// precisely; the full read path does that (and a bit
				// more).
				s.mu.Unlock()
				v, err := s.readUpgrade(ctx, db, revNow)
				if err != nil {
					var cerr *CycleError
					if errors.As(err, &cerr) {
						return true, nil
					}
					return true, err
				}
				return v.changedAt > since, nil
			}

			inputs := append([]DatabaseKeyIndex(nil), m.inputs...)
			s.mu.Unlock()
			return s.walkInputs(ctx, db, since, revNow, inputs)
		}
	}
}

// waitMaybeChanged is entered with the write lock held and an InProgress
// state owned by a peer: wait for the peer and interpret its result as a
// change verdict. A detected cycle counts as changed.
func (s *derivedSlot[K, V]) waitMaybeChanged(ctx context.Context, db *DB, since Revision) (bool, error) {
	owner := s.owner
	if owner == db.id || !db.eng.waits.TryBlock(db.id, owner, s.index, db.stackKeys()) {
		s.mu.Unlock()
		return true, nil
	}

	ch := make(chan waitResult[V], 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	db.eng.emit(Event{
		Kind:         EventWillBlockOn,
		Runtime:      db.id,
		OtherRuntime: owner,
		Key:          s.index,
		Description:  s.st.fmtKey(s.index.Key),
	})

	var res waitResult[V]
	var ok bool
	select {
	case res, ok = <-ch:
	case <-ctx.Done():
		db.eng.waits.Unblock(db.id)
		return true, ctx.Err()
	}
	db.eng.waits.Unblock(db.id)

	switch {
	case !ok:
		return true, db.eng.propagatedPanic()
	case res.err != nil:
		return true, res.err
	case len(res.cycle) > 0:
		return true, nil
	default:
		return res.value.changedAt > since, nil
	}
}

// walkInputs validates a value-less dependency record in recorded order,
// short-circuiting on the first change, then re-checks the slot state before
// updating it: another worker may have verified, replaced, or removed the
// memo in the interim.
func (s *derivedSlot[K, V]) walkInputs(ctx context.Context, db *DB, since, revNow Revision, inputs []DatabaseKeyIndex) (bool, error) {
	changed := false
	for _, dep := range inputs {
		c, err := db.eng.depMaybeChangedSince(ctx, db, dep, since)
		if err != nil {
			return true, err
		}
		if c {
			changed = true
			break
		}
	}

	s.mu.Lock()
	if s.state == stateMemoized && s.memo.verifiedAt != revNow {
		if changed {
			s.state = stateNotComputed
			s.memo = nil
		} else {
			s.memo.verifiedAt = revNow
		}
	}
	s.mu.Unlock()

	return changed, nil
}

// invalidate marks the memo's inputs as untracked, forcing re-execution on
// the next read after a revision bump, and returns the prior durability.
func (s *derivedSlot[K, V]) invalidate() (Durability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateMemoized {
		return Low, false
	}
	s.memo.inputsKind = inputsUntracked
	s.memo.inputs = nil
	return s.memo.durability, true
}

// evictValue drops the memoized value but keeps the dependency record.
// Memos with untracked inputs are left alone: inputs can become untracked in
// the next revision, so the check cannot happen at insertion time.
func (s *derivedSlot[K, V]) evictValue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateMemoized && s.memo.inputsKind != inputsUntracked {
		s.memo.value = nil
	}
}

// sweep applies a strategy to this slot. InProgress slots are never touched;
// untracked-input memos verified at the current revision survive Always.
func (s *derivedSlot[K, V]) sweep(now Revision, strategy SweepStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateMemoized {
		return
	}
	if strategy.DiscardIf == DiscardNever || strategy.DiscardWhat == DiscardNothing {
		return
	}
	m := s.memo
	if strategy.DiscardIf == DiscardOutdated && m.verifiedAt == now {
		return
	}
	if m.inputsKind == inputsUntracked && m.verifiedAt == now {
		return
	}

	switch strategy.DiscardWhat {
	case DiscardValues:
		m.value = nil
	case DiscardEverything:
		s.state = stateNotComputed
		s.memo = nil
	}
}

func containsKey(keys []DatabaseKeyIndex, key DatabaseKeyIndex) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
