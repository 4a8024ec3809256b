package quarry

// EventKind discriminates the diagnostic notifications the engine emits.
type EventKind int

const (
	// EventDidValidateMemoizedValue fires when a memo was revalidated
	// without re-executing the query function.
	EventDidValidateMemoizedValue EventKind = iota

	// EventWillBlockOn fires when a worker is about to wait for a slot
	// owned by another runtime.
	EventWillBlockOn

	// EventDidExecuteQuery fires when a query function actually ran.
	EventDidExecuteQuery

	// EventDidChangeInput fires when an input value was set.
	EventDidChangeInput
)

func (k EventKind) String() string {
	switch k {
	case EventDidValidateMemoizedValue:
		return "DidValidateMemoizedValue"
	case EventWillBlockOn:
		return "WillBlockOn"
	case EventDidExecuteQuery:
		return "DidExecuteQuery"
	case EventDidChangeInput:
		return "DidChangeInput"
	default:
		return "Unknown"
	}
}

// Event is an opaque diagnostic record delivered to the engine's event sink.
// Sinks must be fast and must not call back into the engine.
type Event struct {
	Kind         EventKind
	Runtime      RuntimeID
	OtherRuntime RuntimeID
	Key          DatabaseKeyIndex

	// Description is the owning query's formatting of Key.
	Description string
}
