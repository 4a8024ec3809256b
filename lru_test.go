package quarry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestLRUEvictsLeastRecentlyRead(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var executions atomic.Int64
	q := Derived(g, "q", func(db *DB, k int) (string, error) {
		executions.Add(1)
		return fmt.Sprintf("v%d", k), nil
	}).SetLRUCapacity(2)

	db := eng.DB()

	for k := 1; k <= 2; k++ {
		v, err := q.Get(db, k)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", k), v)
	}
	require.Equal(t, int64(2), executions.Load())

	// Reading a third key pushes key 1 (the least recently read) out.
	_, err := q.Get(db, 3)
	require.NoError(t, err)

	_, ok := q.Peek(db, 1)
	assert.False(t, ok)
	_, ok = q.Peek(db, 2)
	assert.True(t, ok)
	_, ok = q.Peek(db, 3)
	assert.True(t, ok)

	// The evicted key recomputes on demand (pushing key 2 out in turn);
	// key 3 stays memoized.
	v, err := q.Get(db, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int64(4), executions.Load())

	_, err = q.Get(db, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), executions.Load())
}

func TestLRUTouchOnRead(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var executions atomic.Int64
	q := Derived(g, "q", func(db *DB, k int) (int, error) {
		executions.Add(1)
		return k * k, nil
	}).SetLRUCapacity(2)

	db := eng.DB()

	_, err := q.Get(db, 1)
	require.NoError(t, err)
	_, err = q.Get(db, 2)
	require.NoError(t, err)

	// Re-reading key 1 moves it to the MRU end, so key 2 is the one
	// evicted by key 3.
	_, err = q.Get(db, 1)
	require.NoError(t, err)
	_, err = q.Get(db, 3)
	require.NoError(t, err)

	_, ok := q.Peek(db, 1)
	assert.True(t, ok)
	_, ok = q.Peek(db, 2)
	assert.False(t, ok)
	require.Equal(t, int64(3), executions.Load())
}

func TestLRUZeroDisables(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var executions atomic.Int64
	q := Derived(g, "q", func(db *DB, k int) (int, error) {
		executions.Add(1)
		return k, nil
	}).SetLRUCapacity(0)

	db := eng.DB()
	for k := 0; k < 16; k++ {
		_, err := q.Get(db, k)
		require.NoError(t, err)
	}
	for k := 0; k < 16; k++ {
		_, err := q.Get(db, k)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(16), executions.Load())
}
