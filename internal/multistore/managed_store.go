package multistore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/entitycache/internal/store"
	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

const (
	// DBFileName is the entity database inside a store directory.
	DBFileName      = "entities.db"
	metaFileName    = "meta.yaml"
	snapshotDirName = "snapshot"
)

// ManagedStore is an open entity store plus its metadata.
type ManagedStore struct {
	ID       string
	Store    store.Store
	Meta     *StoreMeta
	BasePath string

	mu        sync.Mutex
	metaDirty bool
}

// OpenManagedStore opens the store in basePath, running migrations.
func OpenManagedStore(id, basePath string, logger *slog.Logger) (*ManagedStore, error) {
	// Load metadata
	meta, err := LoadStoreMeta(filepath.Join(basePath, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("load store metadata: %w", err)
	}

	// Open SQLite store with store ID for logging context
	db, err := store.NewSQLiteStore(filepath.Join(basePath, DBFileName),
		store.WithStoreID(id), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}

	return &ManagedStore{
		ID:       id,
		Store:    db,
		Meta:     meta,
		BasePath: basePath,
	}, nil
}

// TouchAccessed records an access. The metadata file is written on
// FlushMeta or Close, not here.
func (m *ManagedStore) TouchAccessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Meta.LastAccessed = time.Now().UTC()
	m.metaDirty = true
}

// FlushMeta saves metadata to disk if dirty.
func (m *ManagedStore) FlushMeta() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.metaDirty {
		return nil
	}
	if err := SaveStoreMeta(filepath.Join(m.BasePath, metaFileName), m.Meta); err != nil {
		return err
	}
	m.metaDirty = false
	return nil
}

// Close flushes metadata and closes the database.
func (m *ManagedStore) Close() error {
	if err := m.FlushMeta(); err != nil {
		// Log but don't fail close
		slog.Warn("failed to flush store metadata", "store_id", m.ID, "error", err)
	}
	return m.Store.Close()
}

// SnapshotPath is where the store's latest snapshot is written.
func (m *ManagedStore) SnapshotPath() string {
	return filepath.Join(m.BasePath, snapshotDirName, DBFileName)
}

// Model returns the entity model the store serves.
func (m *ManagedStore) Model() string {
	return m.Meta.Model
}

// SchemaVersion returns the schema version recorded in the database, or 0
// when it cannot be read.
func (m *ManagedStore) SchemaVersion(ctx context.Context) int {
	version, err := m.Store.GetSyncMeta(ctx, cachesync.SyncMetaSchemaVersion)
	if err != nil {
		return 0
	}
	v, _ := strconv.Atoi(version)
	return v
}
