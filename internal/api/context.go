package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/entitycache/internal/multistore"
)

type storeContextKey struct{}

type storeIDContextKey struct{}

// ErrNoStoreInContext indicates no store was found in the context.
var ErrNoStoreInContext = errors.New("no store in context")

// WithStore returns a new context with the managed store attached.
func WithStore(ctx context.Context, s *multistore.ManagedStore) context.Context {
	return context.WithValue(ctx, storeContextKey{}, s)
}

// StoreFromContext extracts the managed store from the context.
func StoreFromContext(ctx context.Context) (*multistore.ManagedStore, error) {
	s, ok := ctx.Value(storeContextKey{}).(*multistore.ManagedStore)
	if !ok || s == nil {
		return nil, ErrNoStoreInContext
	}
	return s, nil
}

// WithStoreID returns a new context with the store ID attached.
func WithStoreID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, storeIDContextKey{}, id)
}

// StoreIDFromContext extracts the store ID from the context.
// Returns the default store ID if not present or empty.
func StoreIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(storeIDContextKey{}).(string)
	if !ok || id == "" {
		return multistore.DefaultStoreID
	}
	return id
}

// StoreMiddleware resolves the {store_id} route parameter and attaches the
// store to the request context. Nested store IDs arrive path-escaped
// ("org%2Fproject").
func StoreMiddleware(manager *multistore.StoreManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			storeID, err := url.PathUnescape(chi.URLParam(r, "store_id"))
			if err != nil {
				WriteProblem(w, r, http.StatusBadRequest, "Invalid store ID")
				return
			}

			managed, err := manager.GetStore(r.Context(), storeID)
			if err != nil {
				MapStoreError(w, r, err)
				return
			}

			ctx := WithStoreID(WithStore(r.Context(), managed), storeID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
