package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryStartsAtStart(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, Start, r.Current())
	for d := Durability(0); d < MaxBands; d++ {
		assert.Equal(t, Start, r.LastChanged(d))
	}
}

func TestBumpIsMonotonic(t *testing.T) {
	r := NewRegistry()
	prev := r.Current()
	for i := 0; i < 10; i++ {
		next := r.Bump(Low)
		assert.True(t, next.After(prev))
		assert.Equal(t, next, r.Current())
		prev = next
	}
}

func TestBumpUpdatesLowerBandsOnly(t *testing.T) {
	r := NewRegistry()

	rev := r.Bump(Medium)
	assert.Equal(t, rev, r.LastChanged(Low))
	assert.Equal(t, rev, r.LastChanged(Medium))
	assert.Equal(t, Start, r.LastChanged(High))

	// The frontier never exceeds the current revision.
	for d := Durability(0); d < MaxBands; d++ {
		assert.LessOrEqual(t, uint64(r.LastChanged(d)), uint64(r.Current()))
	}
}

func TestBandsAreOrderedAndClamped(t *testing.T) {
	assert.True(t, Band(0) > High)
	assert.True(t, Band(1) > Band(0))
	assert.Equal(t, Durability(MaxBands-1), Band(200))

	r := NewRegistry()
	rev := r.Bump(Band(200))
	assert.Equal(t, rev, r.LastChanged(Band(0)))
	assert.Equal(t, rev, r.LastChanged(Low))
}

func TestMin(t *testing.T) {
	assert.Equal(t, Low, Min(Low, High))
	assert.Equal(t, Low, Min(High, Low))
	assert.Equal(t, Medium, Min(Medium, Medium))
}
