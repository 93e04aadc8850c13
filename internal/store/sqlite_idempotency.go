package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// CheckSaveIdempotency checks if a save_id has been processed.
// Returns the cached response and true if found, nil and false otherwise.
func (s *SQLiteStore) CheckSaveIdempotency(ctx context.Context, saveID string) ([]byte, bool, error) {
	var response string
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM save_idempotency WHERE save_id = ?
	`, saveID).Scan(&response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		s.logger.Warn("save_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
		return nil, false, nil
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}

	return []byte(response), true, nil
}

// RecordSaveIdempotency records a processed save for idempotency.
func (s *SQLiteStore) RecordSaveIdempotency(ctx context.Context, saveID, storeID string, response []byte, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO save_idempotency (save_id, store_id, response, expires_at)
		VALUES (?, ?, ?, ?)
	`, saveID, storeID, string(response), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record save idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM save_idempotency WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// GetSaveLog returns save log entries with sequence > afterSeq, up to limit.
func (s *SQLiteStore) GetSaveLog(ctx context.Context, afterSeq int64, limit int) ([]cachesync.SaveLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, save_id, source_id, inserted, updated, deleted, created_at
		FROM save_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query save log: %w", err)
	}
	defer rows.Close()

	entries := make([]cachesync.SaveLogEntry, 0)
	for rows.Next() {
		var e cachesync.SaveLogEntry
		var createdAt string
		if err := rows.Scan(&e.Sequence, &e.SaveID, &e.SourceID,
			&e.Inserted, &e.Updated, &e.Deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan save log entry: %w", err)
		}
		var parseErr error
		if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			s.logger.Warn("save_log: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}
