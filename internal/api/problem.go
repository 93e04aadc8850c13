package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/hyperengineering/entitycache/internal/store"
	"github.com/hyperengineering/entitycache/internal/validation"
)

const problemBaseURI = "https://entitycache.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

var problemTypes = map[int]struct {
	slug  string
	title string
}{
	http.StatusBadRequest:            {"bad-request", "Bad Request"},
	http.StatusUnauthorized:          {"unauthorized", "Unauthorized"},
	http.StatusForbidden:             {"forbidden", "Forbidden"},
	http.StatusNotFound:              {"not-found", "Not Found"},
	http.StatusConflict:              {"conflict", "Conflict"},
	http.StatusRequestEntityTooLarge: {"payload-too-large", "Payload Too Large"},
	http.StatusUnprocessableEntity:   {"validation-error", "Validation Error"},
	http.StatusInternalServerError:   {"internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:    {"service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt.slug, pt.title = "unknown", http.StatusText(status)
	}
	return Problem{
		Type:     problemBaseURI + pt.slug,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapStoreError converts store and store-manager errors to Problem Details
// responses. A save that refers to a row that no longer exists, or that
// would overwrite one, is a conflict rather than a missing resource.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, multistore.ErrInvalidStoreID):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, multistore.ErrStoreNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Store not found")
	case errors.Is(err, multistore.ErrStoreAlreadyExists):
		WriteProblem(w, r, http.StatusConflict, "Store already exists")
	case errors.Is(err, multistore.ErrDefaultStore):
		WriteProblem(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrDuplicateKey):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound) && r.Method == http.MethodPost:
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Entity not found")
	case errors.Is(err, store.ErrInvalidKey), errors.Is(err, store.ErrInvalidPayload):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
