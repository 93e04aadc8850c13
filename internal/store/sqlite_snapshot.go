package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// GenerateSnapshot writes a consistent copy of the database to destPath
// with VACUUM INTO. The copy is built beside destPath and renamed over it,
// so readers never see a partial file. The time of the snapshot is recorded
// under the last_snapshot_at sync meta key.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context, destPath string) error {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	takenAt := time.Now().UTC()
	if err := s.SetSyncMeta(ctx, cachesync.SyncMetaLastSnapshot, takenAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	var size int64
	if info, err := os.Stat(destPath); err == nil {
		size = info.Size()
	}
	s.logger.Info("snapshot generated",
		"component", "store",
		"action", "snapshot_generated",
		"store_id", s.storeID,
		"size_bytes", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
