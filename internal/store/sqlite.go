package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed entity database of one store.
type SQLiteStore struct {
	db      *sql.DB
	storeID string
	logger  *slog.Logger

	// writeMu serializes save transactions. They read key sequences before
	// writing, and two deferred transactions upgrading at once would fail
	// with SQLITE_BUSY instead of waiting.
	writeMu sync.Mutex
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithStoreID tags log lines with the owning store.
func WithStoreID(id string) Option {
	return func(s *SQLiteStore) { s.storeID = id }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// Pragmas in the DSN apply to every pooled connection.
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetEntity returns the stored entity of typeName with the given key.
func (s *SQLiteStore) GetEntity(ctx context.Context, typeName string, key []any) (*cachesync.EntityRecord, error) {
	encoded, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT type_name, entity_key, fields, version, updated_at
		FROM entities
		WHERE type_name = ? AND entity_key = ?
	`, typeName, encoded)

	rec, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s%s: %w", typeName, encoded, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return rec, nil
}

// ListEntities returns every stored entity of typeName ordered by key.
func (s *SQLiteStore) ListEntities(ctx context.Context, typeName string) ([]cachesync.EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type_name, entity_key, fields, version, updated_at
		FROM entities
		WHERE type_name = ?
		ORDER BY entity_key ASC
	`, typeName)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	records := make([]cachesync.EntityRecord, 0)
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// GetStats returns aggregate store statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TypeCounts: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type_name, COUNT(*) FROM entities GROUP BY type_name
	`)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.TypeCounts[name] = n
		stats.EntityCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	var lastSave sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM save_log
	`).Scan(&stats.SaveCount, &lastSave)
	if err != nil {
		return nil, fmt.Errorf("count saves: %w", err)
	}
	if lastSave.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSave.String); err == nil {
			stats.LastSaveAt = &t
		}
	}

	return stats, nil
}

// scanEntity scans a row into an EntityRecord, decoding the key and fields.
func scanEntity(scanner interface{ Scan(...any) error }) (*cachesync.EntityRecord, error) {
	var rec cachesync.EntityRecord
	var encodedKey, fieldsJSON, updatedAt string

	if err := scanner.Scan(&rec.Type, &encodedKey, &fieldsJSON, &rec.Version, &updatedAt); err != nil {
		return nil, err
	}

	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	rec.Key = key

	if err := unmarshalNumbers([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("parse fields JSON: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}
