package quarry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/quarry-framework/quarry/internal/graph"
	"github.com/quarry-framework/quarry/internal/logger"
	"github.com/quarry-framework/quarry/internal/revision"
)

// Engine owns the revision registry, the wait graph, and every registered
// query storage. It hands out one writer handle and any number of read-only
// snapshots that share the same memo tables.
type Engine struct {
	id       uuid.UUID
	registry *revision.Registry
	waits    *graph.Waits[RuntimeID, DatabaseKeyIndex]

	// queryLock coordinates writers and snapshots: each live snapshot
	// holds it shared, a pending write takes it exclusive.
	queryLock    sync.RWMutex
	pendingWrite atomic.Bool

	mu     sync.Mutex
	groups []*Group

	writer      *DB
	nextRuntime atomic.Int64

	events            func(Event)
	onPropagatedPanic func() error
}

// New creates an engine positioned at the start revision.
func New(opts ...Option) *Engine {
	e := &Engine{
		id:       uuid.New(),
		registry: revision.NewRegistry(),
		waits:    graph.NewWaits[RuntimeID, DatabaseKeyIndex](),
	}
	e.writer = &DB{eng: e, id: 0, writer: true}
	e.nextRuntime.Store(0)
	for _, opt := range opts {
		opt(e)
	}
	logger.Info(logger.TagEngine, "engine %s created", e.id)
	return e
}

// ID returns the engine instance identity used in diagnostics.
func (e *Engine) ID() uuid.UUID { return e.id }

// DB returns the writer handle. There is exactly one; it is the only handle
// on which inputs may be set.
func (e *Engine) DB() *DB { return e.writer }

// Snapshot returns a read-only handle sharing all storage. Snapshots may run
// queries concurrently with each other and with the writer; each one must be
// Released before a pending write can proceed.
func (e *Engine) Snapshot() *DB {
	e.queryLock.RLock()
	db := &DB{eng: e, id: RuntimeID(e.nextRuntime.Add(1))}
	logger.Debug(logger.TagSnapshot, "engine %s created snapshot runtime %d", e.id, db.id)
	return db
}

// CurrentRevision returns the engine's current revision.
func (e *Engine) CurrentRevision() Revision { return e.registry.Current() }

// LastChangedRevision returns the last revision at which a value of the
// given durability changed.
func (e *Engine) LastChangedRevision(d Durability) Revision {
	return e.registry.LastChanged(d)
}

// SyntheticWrite bumps the revision as if an input of durability d had
// changed, without touching any input. Useful to force revalidation of
// queries with synthetic reads of that durability.
func (e *Engine) SyntheticWrite(d Durability) {
	e.withWrite(func() {
		rev := e.registry.Bump(d)
		logger.Debug(logger.TagRevision, "synthetic write at %s -> %s", d, rev)
	})
}

// Group registers a new query group and returns it.
func (e *Engine) Group(name string) *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := &Group{
		eng:   e,
		index: uint16(len(e.groups)),
		name:  name,
	}
	e.groups = append(e.groups, g)
	return g
}

// withWrite runs fn with exclusive write access: the cancellation flag is
// raised first, then the call blocks until every snapshot has been released.
func (e *Engine) withWrite(fn func()) {
	if len(e.writer.stack) > 0 {
		panic("quarry: write attempted while a query is executing on the writer handle")
	}
	e.pendingWrite.Store(true)
	e.queryLock.Lock()
	defer func() {
		e.pendingWrite.Store(false)
		e.queryLock.Unlock()
	}()
	fn()
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

func (e *Engine) propagatedPanic() error {
	if e.onPropagatedPanic != nil {
		return e.onPropagatedPanic()
	}
	return ErrPropagatedPanic
}

func (e *Engine) storageFor(key DatabaseKeyIndex) queryStorage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(key.Group) >= len(e.groups) {
		return nil
	}
	return e.groups[key.Group].storageAt(key.Query)
}

func (e *Engine) fmtIndex(key DatabaseKeyIndex) string {
	if st := e.storageFor(key); st != nil {
		return st.fmtKey(key.Key)
	}
	return key.String()
}

// depMaybeChangedSince routes a recorded dependency to its owning storage
// and asks whether it changed strictly after since.
func (e *Engine) depMaybeChangedSince(ctx context.Context, db *DB, dep DatabaseKeyIndex, since Revision) (bool, error) {
	st := e.storageFor(dep)
	if st == nil {
		return true, nil
	}
	return st.maybeChangedSince(ctx, db, dep.Key, since)
}

// Group is a namespace of queries sharing a group index.
type Group struct {
	eng   *Engine
	index uint16
	name  string

	mu       sync.Mutex
	storages []queryStorage
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

func (g *Group) register(st queryStorage) uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := uint16(len(g.storages))
	g.storages = append(g.storages, st)
	return idx
}

func (g *Group) storageAt(query uint16) queryStorage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(query) >= len(g.storages) {
		return nil
	}
	return g.storages[query]
}

func (g *Group) allStorages() []queryStorage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]queryStorage(nil), g.storages...)
}

// queryStorage is the per-query strategy behind a query index: memoized,
// dependencies-only, input, interned, or interned-lookup. Transparent
// queries have no storage.
type queryStorage interface {
	queryName() string
	fmtKey(key uint32) string
	maybeChangedSince(ctx context.Context, db *DB, key uint32, since Revision) (bool, error)
	sweep(now Revision, strategy SweepStrategy)
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventSink installs the sink receiving diagnostic Events.
func WithEventSink(sink func(Event)) Option {
	return func(e *Engine) { e.events = sink }
}

// WithOnPropagatedPanic installs the error factory consulted when a peer
// worker panicked while owning a blocked-on slot. The default returns
// ErrPropagatedPanic; the factory may panic instead to propagate.
func WithOnPropagatedPanic(fn func() error) Option {
	return func(e *Engine) { e.onPropagatedPanic = fn }
}

// WithLogger replaces the logrus logger behind the engine's diagnostic
// logging.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { logger.SetBackend(l) }
}
