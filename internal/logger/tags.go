package logger

import "strings"

// Debug tags for filtering log output
const (
	// Memoization core
	TagSlot     = "SLOT"
	TagMemo     = "MEMO"
	TagValidate = "VALIDATE"

	// Runtime and coordination
	TagRuntime  = "RUNTIME"
	TagSnapshot = "SNAPSHOT"
	TagCycle    = "CYCLE"
	TagCancel   = "CANCEL"

	// Revision clock
	TagRevision = "REVISION"

	// Storage variants
	TagInput    = "INPUT"
	TagInterned = "INTERNED"

	// Reclamation
	TagSweep = "SWEEP"
	TagLRU   = "LRU"

	// Engine façade
	TagEngine = "ENGINE"
)

// Common debug groups for convenience
var (
	// All memoization tags
	MemoGroup = []string{TagSlot, TagMemo, TagValidate}

	// All coordination tags
	RuntimeGroup = []string{TagRuntime, TagSnapshot, TagCycle, TagCancel}

	// All reclamation tags
	SweepGroup = []string{TagSweep, TagLRU}

	// Common debugging scenario
	CommonGroup = []string{TagEngine, TagSlot, TagRuntime, TagCycle}
)

// EnableGroup enables all tags in a group
func EnableGroup(group []string) {
	for _, tag := range group {
		EnableCategory(tag)
	}
}

// DisableGroup disables all tags in a group
func DisableGroup(group []string) {
	for _, tag := range group {
		DisableCategory(tag)
	}
}

// ParseDebugTags parses debug tags from string like "slot,memo,cycle"
func ParseDebugTags(tags string) []string {
	if tags == "" {
		return nil
	}

	switch tags {
	case "memo":
		return MemoGroup
	case "runtime":
		return RuntimeGroup
	case "sweep":
		return SweepGroup
	case "common":
		return CommonGroup
	case "all":
		return append(append(append([]string{TagEngine, TagRevision, TagInput, TagInterned}, MemoGroup...), RuntimeGroup...), SweepGroup...)
	}

	result := []string{}
	for _, tag := range strings.Split(strings.ToUpper(tags), ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			result = append(result, tag)
		}
	}
	return result
}
