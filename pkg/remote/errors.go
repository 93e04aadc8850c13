package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates the service has no such store or entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the service rejected a save because a row it
	// refers to is missing or would be overwritten.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a missing or wrong API key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidRequest indicates the service found the request malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// FieldError is one entry of a validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ServiceError is an RFC 7807 problem returned by the service.
type ServiceError struct {
	StatusCode int          `json:"status"`
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Detail     string       `json:"detail"`
	Instance   string       `json:"instance,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("entity service: %d %s", e.StatusCode, e.Title)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	for _, fe := range e.Errors {
		msg += fmt.Sprintf("; %s %s", fe.Field, fe.Message)
	}
	return msg
}

// Unwrap maps the status code to a package sentinel for errors.Is().
func (e *ServiceError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return ErrInvalidRequest
	}
	return nil
}
