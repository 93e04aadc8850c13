package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/hyperengineering/entitycache/internal/snapshot"
)

// WithSnapshotUploader serves snapshots through pre-signed URLs of u.
func WithSnapshotUploader(u snapshot.Uploader) HandlerOption {
	return func(h *Handler) {
		if u != nil {
			h.uploader = u
		}
	}
}

// Snapshot handles GET /api/v1/stores/{store_id}/snapshot
//
// With object storage configured the client is redirected to a pre-signed
// URL. Otherwise the local snapshot file is streamed. Until the first
// snapshot exists the response is 503 with a Retry-After header.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	managed, err := StoreFromContext(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	presigned, _, err := h.uploader.PresignedURL(r.Context(), managed.ID)
	switch {
	case err == nil:
		http.Redirect(w, r, presigned, http.StatusTemporaryRedirect)
		return
	case !errors.Is(err, snapshot.ErrNotConfigured):
		slog.Error("snapshot url failed", "component", "api", "store_id", managed.ID, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot storage unavailable")
		return
	}

	f, err := os.Open(managed.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		w.Header().Set("Retry-After", "60")
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot not yet available")
		return
	}
	if err != nil {
		slog.Error("open snapshot failed", "component", "api", "store_id", managed.ID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="entities.db"`)
	http.ServeContent(w, r, "entities.db", info.ModTime(), f)
}
