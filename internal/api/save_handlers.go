package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/entitycache/internal/store"
	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	"github.com/hyperengineering/entitycache/internal/validation"
)

// Save handles POST /api/v1/stores/{store_id}/save.
// A save is applied completely or not at all. Retrying a save_id within the
// idempotency window replays the first response with X-Idempotent-Replay.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	managed, err := StoreFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSaveBodyBytes)
	var req cachesync.SaveRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Save body exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if errs := validation.ValidateSaveRequest(&req, h.maxSaveEntities); len(errs) > 0 {
		h.metrics.saveResult("invalid")
		WriteProblemWithErrors(w, r, "Save request contains invalid fields", errs)
		return
	}

	cached, found, err := managed.Store.CheckSaveIdempotency(ctx, req.SaveID)
	if err != nil {
		slog.Error("idempotency check failed",
			"component", "api",
			"store_id", managed.ID,
			"save_id", req.SaveID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	if found {
		h.metrics.saveResult("replayed")
		slog.Info("save replayed",
			"component", "api",
			"action", "save_replayed",
			"store_id", managed.ID,
			"save_id", req.SaveID,
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	resp, err := managed.Store.ApplySave(ctx, &req)
	if err != nil {
		h.logSaveFailure(managed.ID, &req, err)
		MapStoreError(w, r, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode save response", "component", "api", "save_id", req.SaveID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if err := managed.Store.RecordSaveIdempotency(ctx, req.SaveID, managed.ID, body, h.idempotencyTTL); err != nil {
		// The save is committed; a retry would be rejected as a duplicate
		// instead of replayed.
		slog.Warn("failed to record save idempotency",
			"component", "api",
			"store_id", managed.ID,
			"save_id", req.SaveID,
			"error", err,
		)
	}

	inserted, updated, deleted := countOperations(req.Entities)
	h.metrics.saveResult("applied")
	h.metrics.savedEntities(inserted, updated, deleted)

	slog.Info("save applied",
		"component", "api",
		"action", "save_applied",
		"store_id", managed.ID,
		"save_id", req.SaveID,
		"source_id", req.SourceID,
		"entities", len(req.Entities),
		"key_mappings", len(resp.KeyMappings),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handler) logSaveFailure(storeID string, req *cachesync.SaveRequest, err error) {
	rejected := errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDuplicateKey) ||
		errors.Is(err, store.ErrInvalidKey) || errors.Is(err, store.ErrInvalidPayload)
	if rejected {
		h.metrics.saveResult("rejected")
		slog.Warn("save rejected",
			"component", "api",
			"store_id", storeID,
			"save_id", req.SaveID,
			"error", err,
		)
		return
	}
	h.metrics.saveResult("error")
	slog.Error("save failed",
		"component", "api",
		"store_id", storeID,
		"save_id", req.SaveID,
		"error", err,
	)
}

func countOperations(payloads []cachesync.EntityPayload) (inserted, updated, deleted int) {
	for _, p := range payloads {
		switch p.Operation {
		case cachesync.OperationInsert:
			inserted++
		case cachesync.OperationUpdate:
			updated++
		case cachesync.OperationDelete:
			deleted++
		}
	}
	return inserted, updated, deleted
}

// FetchEntities handles GET /api/v1/stores/{store_id}/entities/{type}.
// With ?key=<JSON array> it returns that one entity, otherwise every entity
// of the type.
func (h *Handler) FetchEntities(w http.ResponseWriter, r *http.Request) {
	managed, err := StoreFromContext(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	typeName := chi.URLParam(r, "type")
	if verr := validation.ValidateIdentifier("type", typeName); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid entity type", []validation.ValidationError{*verr})
		return
	}

	if raw := r.URL.Query().Get("key"); raw != "" {
		var key []any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&key); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "key must be a JSON array")
			return
		}
		rec, err := managed.Store.GetEntity(r.Context(), typeName, key)
		if err != nil {
			MapStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	records, err := managed.Store.ListEntities(r.Context(), typeName)
	if err != nil {
		slog.Error("list entities failed",
			"component", "api",
			"store_id", managed.ID,
			"type", typeName,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cachesync.FetchResponse{Type: typeName, Entities: records})
}
