package quarry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// On-demand inputs are inputs computed lazily on the fly: a query with no
// recorded inputs reads an external map and reports a synthetic read, and
// Invalidate clears it when the external state changes.
func TestOnDemandInput(t *testing.T) {
	var mu sync.Mutex
	external := map[int]int{1: 10}
	readExternal := func(k int) int {
		mu.Lock()
		defer mu.Unlock()
		return external[k]
	}
	writeExternal := func(k, v int) {
		mu.Lock()
		defer mu.Unlock()
		external[k] = v
	}

	eng := New()
	g := eng.Group("g")

	var aRuns atomic.Int64
	a := Derived(g, "a", func(db *DB, k int) (int, error) {
		aRuns.Add(1)
		db.ReportSyntheticRead(Low)
		return readExternal(k), nil
	})
	b := Derived(g, "b", func(db *DB, k int) (int, error) {
		return a.Get(db, k)
	})

	db := eng.DB()

	v, err := b.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	v, err = a.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, int64(1), aRuns.Load())

	// The external state changed but nothing was signaled: the engine
	// keeps serving the old answer.
	writeExternal(1, 92)
	v, err = b.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	v, err = a.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, int64(1), aRuns.Load())

	// Invalidate signals the change; a re-executes exactly once.
	require.True(t, a.Invalidate(db, 1))
	v, err = b.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 92, v)
	v, err = a.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, 92, v)
	assert.Equal(t, int64(2), aRuns.Load())
}

func TestInvalidateMissingKey(t *testing.T) {
	eng := New()
	g := eng.Group("g")
	q := Derived(g, "q", func(db *DB, k int) (int, error) { return k, nil })

	db := eng.DB()
	assert.False(t, q.Invalidate(db, 1))

	_, err := q.Get(db, 1)
	require.NoError(t, err)
	assert.True(t, q.Invalidate(db, 1))
}

func TestUntrackedReadForcesReexecution(t *testing.T) {
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

	// Same revision: the memo is still verified, no re-execution.
	v, err = q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Any revision bump invalidates an untracked memo.
	x.Set(db, "unrelated", 1)
	v, err = q.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
