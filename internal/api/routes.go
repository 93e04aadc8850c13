package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(h.metrics.Middleware)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required unless no key is configured)
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Get("/stores", h.ListStores)
			r.Post("/stores", h.CreateStore)

			r.Route("/stores/{store_id}", func(r chi.Router) {
				// Deleting must not open the store first.
				r.Delete("/", h.DeleteStore)

				// Store-scoped routes resolve the store once per request
				r.Group(func(r chi.Router) {
					r.Use(StoreMiddleware(h.manager))
					r.Get("/", h.StoreInfo)
					r.Post("/save", h.Save)
					r.Get("/saves", h.SaveLog)
					r.Get("/entities/{type}", h.FetchEntities)
					r.Get("/snapshot", h.Snapshot)
				})
			})
		})
	})

	return r
}
