package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/entitycache/internal/snapshot"
)

// SnapshotCapableStore is a store that can copy itself to a file.
// Implemented by store.SQLiteStore.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context, destPath string) error
}

// SnapshotStoreEnumerator provides access to the stores to snapshot.
type SnapshotStoreEnumerator interface {
	StoreIDs(ctx context.Context) ([]string, error)
	GetSnapshotStore(ctx context.Context, storeID string) (SnapshotCapableStore, string, error)
}

// SnapshotCoordinator periodically snapshots every store and uploads the
// snapshots when an uploader is configured.
type SnapshotCoordinator struct {
	stores   SnapshotStoreEnumerator
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator running every interval.
// A nil uploader keeps snapshots local.
func NewSnapshotCoordinator(stores SnapshotStoreEnumerator, interval time.Duration, uploader snapshot.Uploader) *SnapshotCoordinator {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	return &SnapshotCoordinator{
		stores:   stores,
		uploader: uploader,
		interval: interval,
	}
}

// Run snapshots all stores immediately and then on every tick until ctx
// is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("snapshot coordinator started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Generate snapshots immediately on start
	c.SnapshotAll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot coordinator stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll snapshots each store, continuing past failures, and returns
// how many snapshots were written.
func (c *SnapshotCoordinator) SnapshotAll(ctx context.Context) int {
	ids, err := c.stores.StoreIDs(ctx)
	if err != nil {
		slog.Error("failed to list stores for snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"error", err,
		)
		return 0
	}

	var succeeded, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return succeeded
		}
		if c.snapshotStore(ctx, id) {
			succeeded++
		} else {
			failed++
		}
	}

	// Log summary only if we processed stores (not during shutdown)
	if succeeded > 0 || failed > 0 {
		slog.Info("snapshot cycle completed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"stores_total", len(ids),
			"stores_succeeded", succeeded,
			"stores_failed", failed,
		)
	}
	return succeeded
}

func (c *SnapshotCoordinator) snapshotStore(ctx context.Context, storeID string) bool {
	st, path, err := c.stores.GetSnapshotStore(ctx, storeID)
	if err != nil {
		slog.Warn("failed to get store for snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"store_id", storeID,
			"error", err,
		)
		return false
	}

	if err := st.GenerateSnapshot(ctx, path); err != nil {
		if ctx.Err() == nil {
			slog.Warn("snapshot generation failed",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"store_id", storeID,
				"error", err,
			)
		}
		return false
	}

	// Upload to object storage if configured (non-fatal on failure)
	if err := c.uploader.Upload(ctx, storeID, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"store_id", storeID,
			"error", err,
		)
	}
	return true
}
