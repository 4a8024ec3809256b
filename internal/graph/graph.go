// Package graph tracks which worker runtime is blocked on which other worker
// runtime, and refuses edges that would close a wait cycle. It is the
// bookkeeping behind cycle detection: the memo graph itself may be cyclic in
// topology, but the blocked-on relation must stay acyclic at every instant.
package graph

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Waits is the blocked-on graph. N identifies a worker runtime, K identifies
// a query slot. Each edge records the slot being waited on and the path of
// slot keys on the blocked runtime's active stack, so that cycle participants
// can be reconstructed on detection.
//
// Every runtime has at most one outgoing edge (a worker blocks on one slot at
// a time), so the graph is a partial function N -> N.
type Waits[N comparable, K comparable] struct {
	mu    sync.Mutex
	edges map[N]waitEdge[N, K]
}

type waitEdge[N comparable, K comparable] struct {
	to   N
	on   K
	path []K
}

// NewWaits creates an empty blocked-on graph.
func NewWaits[N comparable, K comparable]() *Waits[N, K] {
	return &Waits[N, K]{
		edges: make(map[N]waitEdge[N, K]),
	}
}

// TryBlock records that runtime from is about to block on slot on, owned by
// runtime to, carrying the keys currently on from's active stack. It returns
// false, without recording anything, if the edge would close a cycle,
// including the degenerate from == to case.
func (w *Waits[N, K]) TryBlock(from, to N, on K, path []K) bool {
	if from == to {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reaches(to, from) {
		return false
	}

	w.edges[from] = waitEdge[N, K]{to: to, on: on, path: append([]K(nil), path...)}
	return true
}

// Unblock removes from's outgoing edge. It is safe to call when no edge is
// recorded (wake paths unblock unconditionally).
func (w *Waits[N, K]) Unblock(from N) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.edges, from)
}

// UnblockOn removes every edge pointing at runtime owner for slot on. The
// completing owner calls this under no slot lock, before waking its waiters,
// so the graph never shows an edge into a runtime that has already published.
func (w *Waits[N, K]) UnblockOn(owner N, on K) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for from, edge := range w.edges {
		if edge.to == owner && edge.on == on {
			delete(w.edges, from)
		}
	}
}

// CyclePaths returns, for every runtime on the chain to -> ... -> from in
// chain order, its recorded stack path followed by the slot it is blocked
// on. It is called after TryBlock refused an edge, to reconstruct the
// cycle's participants; the caller contributes its own active stack
// separately.
func (w *Waits[N, K]) CyclePaths(from, to N) [][]K {
	w.mu.Lock()
	defer w.mu.Unlock()

	var paths [][]K
	visited := mapset.NewThreadUnsafeSet[N]()
	cur := to
	for {
		if !visited.Add(cur) {
			break
		}
		edge, ok := w.edges[cur]
		if !ok {
			break
		}
		paths = append(paths, append(append([]K(nil), edge.path...), edge.on))
		if edge.to == from {
			break
		}
		cur = edge.to
	}
	return paths
}

// reaches walks the blocked-on chain from start looking for target.
// Must be called with the lock held.
func (w *Waits[N, K]) reaches(start, target N) bool {
	visited := mapset.NewThreadUnsafeSet[N]()
	cur := start
	for {
		if cur == target {
			return true
		}
		if !visited.Add(cur) {
			// A revisit here would mean a cycle was already recorded.
			return false
		}
		edge, ok := w.edges[cur]
		if !ok {
			return false
		}
		cur = edge.to
	}
}
