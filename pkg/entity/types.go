package entity

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of an entity.
type State int

const (
	Detached State = iota
	Added
	Unchanged
	Modified
	Deleted
)

var stateNames = map[State]string{
	Detached:  "detached",
	Added:     "added",
	Unchanged: "unchanged",
	Modified:  "modified",
	Deleted:   "deleted",
}

// String returns the lowercase state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsDirty reports whether an entity in this state has unsaved changes.
func (s State) IsDirty() bool {
	return s == Added || s == Modified || s == Deleted
}

// ParseState parses a state name as produced by String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return Detached, fmt.Errorf("unknown entity state %q", name)
}

// Key holds the ordered primary key values of an entity.
type Key []any

// String returns the canonical form of the key used for identity lookups.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ",")
}

// Equal reports whether both keys hold the same values.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !valuesEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

// Identity is the (type, key) pair under which an entity is tracked.
// A Manager never holds two entities with the same Identity.
type Identity struct {
	Type string
	Key  string
}

func (id Identity) String() string {
	return id.Type + "(" + id.Key + ")"
}

func identityOf(typeName string, key Key) Identity {
	return Identity{Type: typeName, Key: key.String()}
}
