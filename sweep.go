package quarry

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/quarry-framework/quarry/internal/logger"
)

// DiscardIf selects which memos a sweep may discard.
type DiscardIf int

const (
	DiscardNever DiscardIf = iota
	DiscardOutdated
	DiscardAlways
)

// DiscardWhat selects how much of a discarded memo goes: just the value
// (keeping the dependency record), or everything.
type DiscardWhat int

const (
	DiscardNothing DiscardWhat = iota
	DiscardValues
	DiscardEverything
)

// SweepStrategy pairs a discard predicate with a discard depth.
type SweepStrategy struct {
	DiscardIf   DiscardIf
	DiscardWhat DiscardWhat
}

// Common strategies.
var (
	SweepNothing            = SweepStrategy{DiscardNever, DiscardNothing}
	SweepOutdatedValues     = SweepStrategy{DiscardOutdated, DiscardValues}
	SweepOutdatedEverything = SweepStrategy{DiscardOutdated, DiscardEverything}
	SweepAllValues          = SweepStrategy{DiscardAlways, DiscardValues}
	SweepEverything         = SweepStrategy{DiscardAlways, DiscardEverything}
)

// Sweep walks every registered storage with the given strategy, bounded to
// one worker per CPU. InProgress slots are never touched.
func (e *Engine) Sweep(strategy SweepStrategy) {
	now := e.registry.Current()
	logger.Debug(logger.TagSweep, "engine %s sweeping at %s", e.id, now)

	e.mu.Lock()
	groups := append([]*Group(nil), e.groups...)
	e.mu.Unlock()

	var storages []queryStorage
	for _, g := range groups {
		storages = append(storages, g.allStorages()...)
	}

	sem := semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, st := range storages {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(st queryStorage) {
			defer sem.Release(1)
			defer wg.Done()
			st.sweep(now, strategy)
		}(st)
	}
	wg.Wait()
}
