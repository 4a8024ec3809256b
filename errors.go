package quarry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCanceled is returned by DB.ErrIfCanceled when a write is pending.
// Queries that observe it should return it unchanged so the in-progress
// computation unwinds without installing a memo.
var ErrCanceled = errors.New("quarry: revision canceled by pending write")

// ErrPropagatedPanic is the default error observed by a worker whose peer
// panicked while owning a slot the worker was blocked on.
var ErrPropagatedPanic = errors.New("quarry: peer worker panicked while computing a blocked-on query")

// CycleError reports an unrecovered dependency cycle. Cycle holds each
// participating slot exactly once, in discovery order.
type CycleError struct {
	Cycle      []DatabaseKeyIndex
	ChangedAt  Revision
	Durability Durability

	// Descriptions holds the participants formatted by their owning
	// queries, index-aligned with Cycle.
	Descriptions []string
}

func (e *CycleError) Error() string {
	if len(e.Descriptions) > 0 {
		return fmt.Sprintf("quarry: dependency cycle: %s", strings.Join(e.Descriptions, " -> "))
	}
	parts := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = k.String()
	}
	return fmt.Sprintf("quarry: dependency cycle: %s", strings.Join(parts, " -> "))
}

// UnsetInputError reports a read of an input key that was never set.
type UnsetInputError struct {
	Query string
	Key   string
}

func (e *UnsetInputError) Error() string {
	return fmt.Sprintf("quarry: input %s(%s) was never set", e.Query, e.Key)
}
