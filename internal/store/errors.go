package store

import "errors"

var (
	ErrNotFound       = errors.New("entity not found")
	ErrDuplicateKey   = errors.New("duplicate entity key")
	ErrInvalidKey     = errors.New("invalid entity key")
	ErrInvalidPayload = errors.New("invalid save payload")
)
