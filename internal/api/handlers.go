package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/hyperengineering/entitycache/internal/snapshot"
	"github.com/hyperengineering/entitycache/internal/store"
	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	"github.com/hyperengineering/entitycache/internal/types"
)

const (
	DefaultIdempotencyTTL  = 24 * time.Hour
	DefaultMaxSaveEntities = 1000
	maxSaveBodyBytes       = 8 << 20
	defaultSaveLogLimit    = 100
	maxSaveLogLimit        = 1000
)

// Handler implements the API handlers
type Handler struct {
	manager         *multistore.StoreManager
	apiKey          string
	version         string
	idempotencyTTL  time.Duration
	maxSaveEntities int
	metrics         *Metrics
	uploader        snapshot.Uploader
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithIdempotencyTTL sets how long save responses are replayable.
func WithIdempotencyTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		if ttl > 0 {
			h.idempotencyTTL = ttl
		}
	}
}

// WithMaxSaveEntities caps the number of entities one save may carry.
func WithMaxSaveEntities(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxSaveEntities = n
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler serving the stores of manager. An empty
// apiKey disables authentication.
func NewHandler(manager *multistore.StoreManager, apiKey, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager:         manager,
		apiKey:          apiKey,
		version:         version,
		idempotencyTTL:  DefaultIdempotencyTTL,
		maxSaveEntities: DefaultMaxSaveEntities,
		uploader:        snapshot.NoopUploader{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// storeIDParam returns the unescaped {store_id} route parameter.
func storeIDParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "store_id"))
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stores, err := h.manager.ListStores(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store root unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		StoreCount:    len(stores),
		LoadedStores:  len(h.manager.LoadedStores()),
		SchemaVersion: store.SchemaVersion,
	})
}

// ListStores handles GET /api/v1/stores
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.manager.ListStores(r.Context())
	if err != nil {
		slog.Error("list stores failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := types.ListStoresResponse{Stores: make([]types.StoreSummary, 0, len(stores))}
	for _, s := range stores {
		resp.Stores = append(resp.Stores, types.StoreSummary{
			ID:           s.ID,
			Model:        s.Model,
			Description:  s.Description,
			Created:      s.Created,
			LastAccessed: s.LastAccessed,
			SizeBytes:    s.SizeBytes,
		})
	}
	resp.Total = len(resp.Stores)
	writeJSON(w, http.StatusOK, resp)
}

// CreateStore handles POST /api/v1/stores
func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req types.CreateStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	managed, err := h.manager.CreateStore(r.Context(), req.StoreID, req.Model, req.Description)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	info, err := h.storeInfo(r, managed)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// StoreInfo handles GET /api/v1/stores/{store_id}
func (h *Handler) StoreInfo(w http.ResponseWriter, r *http.Request) {
	managed, err := StoreFromContext(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	info, err := h.storeInfo(r, managed)
	if err != nil {
		slog.Error("store info failed", "component", "api", "store_id", managed.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) storeInfo(r *http.Request, managed *multistore.ManagedStore) (*types.StoreInfoResponse, error) {
	stats, err := managed.Store.GetStats(r.Context())
	if err != nil {
		return nil, err
	}

	resp := &types.StoreInfoResponse{
		StoreSummary: types.StoreSummary{
			ID:           managed.ID,
			Model:        managed.Model(),
			Description:  managed.Meta.Description,
			Created:      managed.Meta.Created,
			LastAccessed: managed.Meta.LastAccessed,
		},
		SchemaVersion: managed.SchemaVersion(r.Context()),
		Stats: types.StoreStats{
			EntityCount: stats.EntityCount,
			TypeCounts:  stats.TypeCounts,
			SaveCount:   stats.SaveCount,
			LastSaveAt:  stats.LastSaveAt,
		},
	}
	if v, err := managed.Store.GetSyncMeta(r.Context(), cachesync.SyncMetaLastSweepAt); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			resp.LastSweepAt = &t
		}
	}
	if v, err := managed.Store.GetSyncMeta(r.Context(), cachesync.SyncMetaLastSnapshot); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			resp.LastSnapshotAt = &t
		}
	}
	return resp, nil
}

// DeleteStore handles DELETE /api/v1/stores/{store_id}
func (h *Handler) DeleteStore(w http.ResponseWriter, r *http.Request) {
	storeID, err := storeIDParam(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid store ID")
		return
	}

	if err := h.manager.DeleteStore(r.Context(), storeID); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveLog handles GET /api/v1/stores/{store_id}/saves?after=N&limit=M
func (h *Handler) SaveLog(w http.ResponseWriter, r *http.Request) {
	managed, err := StoreFromContext(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	after, limit, err := parsePage(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// One extra row tells whether another page exists.
	entries, err := managed.Store.GetSaveLog(r.Context(), after, limit+1)
	if err != nil {
		slog.Error("save log query failed", "component", "api", "store_id", managed.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := types.SaveLogResponse{Entries: entries, LastSequence: after}
	if len(entries) > limit {
		resp.Entries = entries[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Entries); n > 0 {
		resp.LastSequence = resp.Entries[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePage(r *http.Request) (int64, int, error) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errors.New("after must be a non-negative integer")
		}
		after = n
	}

	limit := defaultSaveLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(n, maxSaveLogLimit)
	}
	return after, limit, nil
}
