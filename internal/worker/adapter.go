package worker

import (
	"context"

	"github.com/hyperengineering/entitycache/internal/multistore"
)

// StoreManagerAdapter adapts multistore.StoreManager to the store
// enumerators of the background workers. Only stores already opened are
// visited; a store nobody has touched since startup has had no saves.
type StoreManagerAdapter struct {
	manager *multistore.StoreManager
}

var (
	_ SweepStoreEnumerator    = (*StoreManagerAdapter)(nil)
	_ SnapshotStoreEnumerator = (*StoreManagerAdapter)(nil)
)

// NewStoreManagerAdapter creates an adapter for the given StoreManager.
func NewStoreManagerAdapter(manager *multistore.StoreManager) *StoreManagerAdapter {
	return &StoreManagerAdapter{manager: manager}
}

// StoreIDs returns the IDs of the loaded stores.
func (a *StoreManagerAdapter) StoreIDs(ctx context.Context) ([]string, error) {
	loaded := a.manager.LoadedStores()
	ids := make([]string, 0, len(loaded))
	for _, s := range loaded {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// GetSweepStore returns the entity store of storeID.
func (a *StoreManagerAdapter) GetSweepStore(ctx context.Context, storeID string) (SweepCapableStore, error) {
	managed, err := a.manager.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return managed.Store, nil
}

// GetSnapshotStore returns the entity store of storeID and the path its
// snapshot is written to.
func (a *StoreManagerAdapter) GetSnapshotStore(ctx context.Context, storeID string) (SnapshotCapableStore, string, error) {
	managed, err := a.manager.GetStore(ctx, storeID)
	if err != nil {
		return nil, "", err
	}
	return managed.Store, managed.SnapshotPath(), nil
}
