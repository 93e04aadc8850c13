package worker

import (
	"context"
	"log/slog"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// SweepCapableStore defines the operations the idempotency sweeper needs.
// Implemented by store.SQLiteStore.
type SweepCapableStore interface {
	// CleanExpiredIdempotency deletes expired save responses and returns
	// how many were removed.
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// SweepStoreEnumerator provides access to the stores to sweep.
type SweepStoreEnumerator interface {
	StoreIDs(ctx context.Context) ([]string, error)
	GetSweepStore(ctx context.Context, storeID string) (SweepCapableStore, error)
}

// IdempotencySweeper periodically removes expired save responses from
// every store and records when it last did so.
type IdempotencySweeper struct {
	stores   SweepStoreEnumerator
	interval time.Duration
	now      func() time.Time
}

// NewIdempotencySweeper creates a sweeper running every interval.
func NewIdempotencySweeper(stores SweepStoreEnumerator, interval time.Duration) *IdempotencySweeper {
	return &IdempotencySweeper{
		stores:   stores,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
// The first sweep happens one interval after start.
func (s *IdempotencySweeper) Run(ctx context.Context) {
	slog.Info("idempotency sweeper started",
		"component", "worker",
		"worker", "idempotency-sweeper",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("idempotency sweeper stopped",
				"component", "worker",
				"worker", "idempotency-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll sweeps each store, continuing on individual failures, and
// returns the total number of expired entries removed.
func (s *IdempotencySweeper) SweepAll(ctx context.Context) int64 {
	ids, err := s.stores.StoreIDs(ctx)
	if err != nil {
		slog.Error("failed to list stores for sweep",
			"component", "worker",
			"worker", "idempotency-sweeper",
			"error", err,
		)
		return 0
	}

	var succeeded, failed int
	var total int64
	for _, id := range ids {
		if ctx.Err() != nil {
			return total
		}
		removed, ok := s.sweepStore(ctx, id)
		if !ok {
			failed++
			continue
		}
		succeeded++
		total += removed
	}

	if total > 0 || failed > 0 {
		slog.Info("sweep cycle completed",
			"component", "worker",
			"worker", "idempotency-sweeper",
			"stores_total", len(ids),
			"stores_succeeded", succeeded,
			"stores_failed", failed,
			"entries_removed", total,
		)
	}
	return total
}

func (s *IdempotencySweeper) sweepStore(ctx context.Context, storeID string) (int64, bool) {
	st, err := s.stores.GetSweepStore(ctx, storeID)
	if err != nil {
		slog.Warn("failed to get store for sweep",
			"component", "worker",
			"worker", "idempotency-sweeper",
			"store_id", storeID,
			"error", err,
		)
		return 0, false
	}

	removed, err := st.CleanExpiredIdempotency(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("sweep failed for store",
				"component", "worker",
				"worker", "idempotency-sweeper",
				"store_id", storeID,
				"error", err,
			)
		}
		return 0, false
	}

	stamp := s.now().UTC().Format(time.RFC3339Nano)
	if err := st.SetSyncMeta(ctx, cachesync.SyncMetaLastSweepAt, stamp); err != nil {
		slog.Warn("failed to record sweep time",
			"component", "worker",
			"worker", "idempotency-sweeper",
			"store_id", storeID,
			"error", err,
		)
	}

	if removed > 0 {
		slog.Debug("expired save responses removed",
			"component", "worker",
			"worker", "idempotency-sweeper",
			"store_id", storeID,
			"entries_removed", removed,
		)
	}
	return removed, true
}
