// Package quarry is an incremental on-demand computation engine: a library
// for defining named pure query functions whose results are memoized,
// automatically invalidated when upstream inputs change, and safely shared
// across concurrent workers.
//
// Queries are registered against an Engine through typed handles (Derived,
// DependenciesOnly, NewInput, NewInterner, Transparent) and invoked through
// a DB worker handle. While a query executes, every child query call is
// recorded as a dependency; when an input is set, the revision counter is
// bumped and downstream memos revalidate lazily, re-executing only the
// queries whose inputs actually changed. Snapshots give concurrent readers
// their own runtime identity over the shared memo tables, with blocking,
// wake-up, and cycle detection between workers computing the same slot.
package quarry
