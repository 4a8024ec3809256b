// Package revision implements the logical clock of the engine: a monotonically
// increasing revision counter plus, per durability class, the last revision at
// which a value of that class changed.
package revision

import (
	"fmt"

	"go.uber.org/atomic"
)

// Revision is a point on the engine's logical timeline. The zero value is the
// "before time" sentinel; real revisions start at 1.
type Revision uint64

// Start is the revision a fresh registry reports from Current.
const Start Revision = 1

func (r Revision) String() string {
	return fmt.Sprintf("R%d", uint64(r))
}

// After reports whether r is strictly later than other.
func (r Revision) After(other Revision) bool {
	return r > other
}

// Durability classifies how often a value is expected to change. Higher
// durability changes less often and lets validation skip walking inputs.
type Durability uint8

const (
	// Low is the default durability of inputs and of untracked reads.
	Low Durability = iota
	// Medium sits between Low and High.
	Medium
	// High marks values that essentially never change (e.g. interned keys).
	High

	numBuiltin = iota
)

// MaxBands is the total number of durability bands the registry tracks,
// the built-in three plus user bands obtained through Band.
const MaxBands = 8

// Max is the highest durability band. Active-query frames start here and
// take the minimum over everything they read.
const Max Durability = MaxBands - 1

// Band returns the nth user durability band. Bands sit above High and stay
// totally ordered; n is clamped to the registry's capacity.
func Band(n uint8) Durability {
	if int(numBuiltin)+int(n) >= MaxBands {
		return MaxBands - 1
	}
	return Durability(numBuiltin) + Durability(n)
}

func (d Durability) String() string {
	switch d {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	default:
		return fmt.Sprintf("BAND(%d)", uint8(d))
	}
}

// Min returns the lower of two durabilities.
func Min(a, b Durability) Durability {
	if a < b {
		return a
	}
	return b
}

// Registry holds the current revision and the per-durability change frontier.
// Reads are lock-free; Bump requires the caller to hold the engine's write
// exclusivity (the query lock), which is what makes the multi-word update safe.
type Registry struct {
	current     atomic.Uint64
	lastChanged [MaxBands]atomic.Uint64
}

// NewRegistry creates a registry positioned at Start with every durability
// band marked as changed at Start.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(uint64(Start))
	for d := range r.lastChanged {
		r.lastChanged[d].Store(uint64(Start))
	}
	return r
}

// Current returns the current revision.
func (r *Registry) Current() Revision {
	return Revision(r.current.Load())
}

// LastChanged returns the last revision at which a value of durability d
// (or any higher band) changed.
func (r *Registry) LastChanged(d Durability) Revision {
	if d >= MaxBands {
		d = MaxBands - 1
	}
	return Revision(r.lastChanged[d].Load())
}

// Bump increments the current revision and records that every band up to and
// including d changed at the new revision. The caller must hold exclusive
// write access to the engine.
func (r *Registry) Bump(d Durability) Revision {
	if d >= MaxBands {
		d = MaxBands - 1
	}
	next := r.current.Add(1)
	for band := Durability(0); band <= d; band++ {
		r.lastChanged[band].Store(next)
	}
	return Revision(next)
}
