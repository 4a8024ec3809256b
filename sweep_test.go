package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestSweepEverythingRoundTrip(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	x := NewInput[string, int](g, "x")

	var executions atomic.Int64
	q := Derived(g, "q", func(db *DB, k string) (int, error) {
		executions.Add(1)
		v, err := x.Get(db, k)
		if err != nil {
			return 0, err
		}
		return v * 10, nil
	})

	db := eng.DB()
	x.Set(db, "k", 3)

	before, err := q.Get(db, "k")
	require.NoError(t, err)

	eng.Sweep(SweepEverything)

	// Deterministic queries recompute to the same value after a full
	// sweep.
	after, err := q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(2), executions.Load())
}

func TestSweepValuesKeepsDependencies(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	x := NewInput[string, int](g, "x")

	var parentRuns, childRuns atomic.Int64
	child := Derived(g, "child", func(db *DB, k string) (int, error) {
		childRuns.Add(1)
		v, err := x.Get(db, k)
		if err != nil {
			return 0, err
		}
		return v % 2, nil
	})
	parent := Derived(g, "parent", func(db *DB, k string) (int, error) {
		parentRuns.Add(1)
		return child.Get(db, k)
	})

	db := eng.DB()
	x.Set(db, "k", 3)

	v, err := parent.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int64(1), parentRuns.Load())

	// Null out child's values but keep its dependency record.
	child.Sweep(db, SweepAllValues)

	// An unrelated bump forces revalidation. The value-less child memo
	// still answers "unchanged" by walking its recorded inputs, so
	// neither query re-executes.
	x.Set(db, "other", 9)
	v, err = parent.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int64(1), parentRuns.Load())
	assert.Equal(t, int64(1), childRuns.Load())
}

func TestSweepOutdatedSparesCurrent(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	x := NewInput[string, int](g, "x")

	var executions atomic.Int64
	q := Derived(g, "q", func(db *DB, k string) (int, error) {
		executions.Add(1)
		return x.Get(db, k)
	})

	db := eng.DB()
	x.Set(db, "fresh", 1)
	x.Set(db, "stale", 2)

	_, err := q.Get(db, "stale")
	require.NoError(t, err)

	// Bump the revision, then verify only "fresh" at the new revision.
	x.Set(db, "fresh", 3)
	_, err = q.Get(db, "fresh")
	require.NoError(t, err)
	require.Equal(t, int64(2), executions.Load())

	eng.Sweep(SweepOutdatedEverything)

	// The memo verified at the current revision survived.
	_, ok := q.Peek(db, "fresh")
	assert.True(t, ok)

	// The outdated one is gone and recomputes on demand.
	_, err = q.Get(db, "stale")
	require.NoError(t, err)
	assert.Equal(t, int64(3), executions.Load())
}

func TestSweepAlwaysSparesCurrentUntracked(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	x := NewInput[string, int](g, "x")

	counter := 0
	q := Derived(g, "q", func(db *DB, k string) (int, error) {
		db.ReportUntracked()
		counter++
		return counter, nil
	})

	db := eng.DB()
	x.Set(db, "unrelated", 0)

	v, err := q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// An untracked memo verified in the current revision must survive an
	// unconditional sweep: discarding it could yield a different answer
	// within the same revision.
	eng.Sweep(SweepEverything)
	v, err = q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Once outdated it is fair game.
	x.Set(db, "unrelated", 1)
	eng.Sweep(SweepEverything)
	v, err = q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestPerQuerySweep(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	x := NewInput[string, int](g, "x")

	var aRuns, bRuns atomic.Int64
	a := Derived(g, "a", func(db *DB, k string) (int, error) {
		aRuns.Add(1)
		return x.Get(db, k)
	})
	b := Derived(g, "b", func(db *DB, k string) (int, error) {
		bRuns.Add(1)
		return x.Get(db, k)
	})

	db := eng.DB()
	x.Set(db, "k", 1)

	_, err := a.Get(db, "k")
	require.NoError(t, err)
	_, err = b.Get(db, "k")
	require.NoError(t, err)

	a.Sweep(db, SweepEverything)

	_, err = a.Get(db, "k")
	require.NoError(t, err)
	_, err = b.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), aRuns.Load())
	assert.Equal(t, int64(1), bRuns.Load())
}
