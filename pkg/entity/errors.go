package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey indicates an entity with the same type and key is already tracked.
	ErrDuplicateKey = errors.New("duplicate entity key")

	// ErrNotTracked indicates the entity is not tracked by the manager.
	ErrNotTracked = errors.New("entity not tracked")

	// ErrInvalidStateTransition indicates an illegal lifecycle transition.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidOperation indicates an operation that is not allowed in the
	// current situation, such as touching an entity that is part of an
	// outstanding save.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrSaveInProgress indicates a save is already outstanding on the manager.
	ErrSaveInProgress = errors.New("save already in progress")

	// ErrSaveFailed indicates the save was rejected or could not complete.
	ErrSaveFailed = errors.New("save failed")

	ErrUnknownType       = errors.New("unknown entity type")
	ErrUnknownProperty   = errors.New("unknown property")
	ErrUnknownNavigation = errors.New("unknown navigation property")
	ErrInvalidKey        = errors.New("invalid entity key")
	ErrInvalidValue      = errors.New("invalid property value")

	// ErrIncompleteKeyMapping indicates the save response did not resolve
	// every temporary key of the batch.
	ErrIncompleteKeyMapping = errors.New("incomplete key mapping")
)

// StateError describes a rejected lifecycle transition.
type StateError struct {
	Identity Identity
	From     State
	To       State
	Op       string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s: %s -> %s", e.Identity, e.Op, e.From, e.To)
}

// Unwrap returns ErrInvalidStateTransition for errors.Is() compatibility.
func (e *StateError) Unwrap() error {
	return ErrInvalidStateTransition
}

// SaveFailedError is returned by SaveChanges when the batch was not applied.
// The manager is left exactly as it was before the call.
type SaveFailedError struct {
	SaveID   string
	Entities int
	Cause    error
}

// Error implements the error interface.
func (e *SaveFailedError) Error() string {
	return fmt.Sprintf("save %s failed (%d entities): %v", e.SaveID, e.Entities, e.Cause)
}

// Unwrap exposes both ErrSaveFailed and the underlying cause.
func (e *SaveFailedError) Unwrap() []error {
	return []error{ErrSaveFailed, e.Cause}
}
