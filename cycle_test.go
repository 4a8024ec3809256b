package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleWithRecovery(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var a, b *Query[string, int]
	a = Derived(g, "a", func(db *DB, k string) (int, error) {
		return b.Get(db, k)
	})
	b = Derived(g, "b", func(db *DB, k string) (int, error) {
		return a.Get(db, k)
	})
	a.SetCycleRecovery(func(db *DB, cycle []string, k string) (int, bool) {
		return 0, true
	})

	db := eng.DB()

	v, err := a.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = b.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestCycleWithoutRecovery(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var a, b *Query[string, int]
	a = Derived(g, "a", func(db *DB, k string) (int, error) {
		return b.Get(db, k)
	})
	b = Derived(g, "b", func(db *DB, k string) (int, error) {
		return a.Get(db, k)
	})

	db := eng.DB()

	_, err := a.Get(db, "k")
	require.Error(t, err)

	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)

	counts := make(map[DatabaseKeyIndex]int)
	for _, k := range cerr.Cycle {
		counts[k]++
	}
	assert.Len(t, counts, 2)
	for k, n := range counts {
		assert.Equal(t, 1, n, "participant %s listed more than once", k)
	}

	// No slot stays in progress after cycle handling: a later read hits
	// the same cycle again instead of deadlocking.
	_, err = a.Get(db, "k")
	require.ErrorAs(t, err, &cerr)
}

func TestSelfEntryIsACycle(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var q *Query[int, int]
	q = Derived(g, "q", func(db *DB, k int) (int, error) {
		return q.Get(db, k)
	})

	db := eng.DB()

	_, err := q.Get(db, 1)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Cycle, 1)
}

func TestRecoveryOnIntermediateParticipant(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var a, b *Query[string, int]
	a = Derived(g, "a", func(db *DB, k string) (int, error) {
		v, err := b.Get(db, k)
		if err != nil {
			return 0, err
		}
		return v + 1, nil
	})
	b = Derived(g, "b", func(db *DB, k string) (int, error) {
		return a.Get(db, k)
	})
	b.SetCycleRecovery(func(db *DB, cycle []string, k string) (int, bool) {
		return 100, true
	})

	db := eng.DB()

	// The probe that closes the cycle is on a, which has no recovery; the
	// error climbs into b's frame, where recovery converts it.
	v, err := a.Get(db, "k")
	require.NoError(t, err)
	assert.Equal(t, 101, v)
}

func TestCycleDescriptionsNameQueries(t *testing.T) {
	eng := New()
	g := eng.Group("g")

	var a, b *Query[string, int]
	a = Derived(g, "alpha", func(db *DB, k string) (int, error) {
		return b.Get(db, k)
	})
	b = Derived(g, "beta", func(db *DB, k string) (int, error) {
		return a.Get(db, k)
	})

	db := eng.DB()
	_, err := a.Get(db, "k")
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Descriptions, 2)
	assert.Contains(t, cerr.Descriptions[0], "alpha")
	assert.Contains(t, cerr.Descriptions[1], "beta")
}
