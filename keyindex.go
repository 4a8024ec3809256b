package quarry

import (
	"fmt"

	"github.com/quarry-framework/quarry/internal/revision"
)

// Revision is a point on the engine's logical timeline. Revisions are bumped
// on every input mutation and totally ordered; the zero value is the
// "before time" sentinel.
type Revision = revision.Revision

// Durability classifies how often a value is expected to change. Derived
// values carry the minimum durability of their inputs; high durability lets
// validation skip walking inputs entirely.
type Durability = revision.Durability

const (
	Low    = revision.Low
	Medium = revision.Medium
	High   = revision.High
)

// Band returns the nth user durability band, ordered above High.
func Band(n uint8) Durability {
	return revision.Band(n)
}

// DatabaseKeyIndex is the compact global identity of a slot: which group,
// which query within the group, and which key slot within the query. It is
// the node identity in the cycle graph and the unit of dependency recording.
type DatabaseKeyIndex struct {
	Group uint16
	Query uint16
	Key   uint32
}

func (k DatabaseKeyIndex) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Group, k.Query, k.Key)
}

// stamped is a value as observed by the engine: the value itself, the
// revision it last changed at, and its durability.
type stamped[V any] struct {
	value      V
	changedAt  Revision
	durability Durability
}

// Stamped is the public form of a value observation, returned by peeks.
type Stamped[V any] struct {
	Value      V
	ChangedAt  Revision
	Durability Durability
}
