package multistore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxStoreIDLength   = 128
	MaxStoreIDSegments = 4
	// DefaultStoreID names the store created on first use.
	DefaultStoreID = "default"
)

var (
	ErrInvalidStoreID     = errors.New("invalid store ID")
	ErrStoreNotFound      = errors.New("store not found")
	ErrStoreAlreadyExists = errors.New("store already exists")
	ErrDefaultStore       = errors.New("default store cannot be deleted")
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateStoreID checks that id is one to MaxStoreIDSegments
// slash-separated lowercase segments. A store ID doubles as a relative
// directory path, so anything that could escape the stores root is refused.
func ValidateStoreID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty store ID", ErrInvalidStoreID)
	case len(id) > MaxStoreIDLength:
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoreID, MaxStoreIDLength)
	}

	segments := strings.Split(id, "/")
	if len(segments) > MaxStoreIDSegments {
		return fmt.Errorf("%w: exceeds %d path segments", ErrInvalidStoreID, MaxStoreIDSegments)
	}
	for i, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: segment %d %q must be lowercase alphanumeric with inner hyphens",
				ErrInvalidStoreID, i, seg)
		}
	}
	return nil
}

// IsDefaultStore reports whether id is the default store.
func IsDefaultStore(id string) bool {
	return id == DefaultStoreID
}
