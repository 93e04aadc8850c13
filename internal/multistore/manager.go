package multistore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StoreManager opens named entity stores under one root directory on
// first use and keeps them open until Close.
type StoreManager struct {
	rootPath string
	logger   *slog.Logger

	mu     sync.RWMutex
	stores map[string]*ManagedStore
}

// NewStoreManager creates a manager rooted at rootPath, creating the
// directory if needed. A leading "~/" expands to the home directory.
func NewStoreManager(rootPath string, logger *slog.Logger) (*StoreManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Expand ~ to home directory
	if strings.HasPrefix(rootPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		rootPath = filepath.Join(home, rootPath[2:])
	}

	// Create root directory
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("create stores root directory: %w", err)
	}

	return &StoreManager{
		rootPath: rootPath,
		logger:   logger,
		stores:   make(map[string]*ManagedStore),
	}, nil
}

// RootPath returns the directory holding all stores.
func (m *StoreManager) RootPath() string {
	return m.rootPath
}

// GetStore returns the open store for storeID, opening it if necessary.
// Unknown stores yield ErrStoreNotFound, except the default store which is
// created on first use.
func (m *StoreManager) GetStore(ctx context.Context, storeID string) (*ManagedStore, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}

	// Fast path: check if already loaded
	m.mu.RLock()
	managed, ok := m.stores[storeID]
	m.mu.RUnlock()
	if ok {
		managed.TouchAccessed()
		return managed, nil
	}

	// Slow path: load or create store
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if managed, ok := m.stores[storeID]; ok {
		managed.TouchAccessed()
		return managed, nil
	}

	storePath := m.storePath(storeID)
	// Check if store directory exists
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		// Only auto-create default store
		if !IsDefaultStore(storeID) {
			return nil, ErrStoreNotFound
		}
		if err := m.createStoreDir(storeID, DefaultModel, "Default store (auto-created)"); err != nil {
			return nil, err
		}
	}

	// Load the store
	managed, err := OpenManagedStore(storeID, storePath, m.logger)
	if err != nil {
		return nil, fmt.Errorf("load store %q: %w", storeID, err)
	}
	m.stores[storeID] = managed

	m.logger.Info("store loaded",
		"component", "multistore",
		"action", "store_loaded",
		"store_id", storeID,
		"model", managed.Model(),
	)

	managed.TouchAccessed()
	return managed, nil
}

// CreateStore creates and opens a new store.
func (m *StoreManager) CreateStore(ctx context.Context, storeID, model, description string) (*ManagedStore, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	storePath := m.storePath(storeID)
	// Check if already exists
	if _, err := os.Stat(storePath); err == nil {
		return nil, ErrStoreAlreadyExists
	}

	// Create store directory and metadata
	if err := m.createStoreDir(storeID, model, description); err != nil {
		return nil, err
	}

	// Load the new store
	managed, err := OpenManagedStore(storeID, storePath, m.logger)
	if err != nil {
		return nil, fmt.Errorf("load new store %q: %w", storeID, err)
	}
	m.stores[storeID] = managed

	m.logger.Info("store created",
		"component", "multistore",
		"action", "store_created",
		"store_id", storeID,
		"model", managed.Model(),
	)

	return managed, nil
}

// DeleteStore closes and removes a store with all its data.
func (m *StoreManager) DeleteStore(ctx context.Context, storeID string) error {
	if err := ValidateStoreID(storeID); err != nil {
		return err
	}
	// Prevent deletion of default store
	if IsDefaultStore(storeID) {
		return ErrDefaultStore
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	storePath := m.storePath(storeID)
	// Check if exists
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		return ErrStoreNotFound
	}

	// Close if loaded
	if managed, ok := m.stores[storeID]; ok {
		if err := managed.Close(); err != nil {
			m.logger.Warn("error closing store before deletion",
				"store_id", storeID, "error", err)
		}
		delete(m.stores, storeID)
	}

	// Remove directory
	if err := os.RemoveAll(storePath); err != nil {
		return fmt.Errorf("remove store directory: %w", err)
	}

	m.logger.Info("store deleted",
		"component", "multistore",
		"action", "store_deleted",
		"store_id", storeID,
	)
	return nil
}

// ListStores returns every store under the root, sorted by ID. Nested
// directories are searched until a meta.yaml is found.
func (m *StoreManager) ListStores(ctx context.Context) ([]StoreInfo, error) {
	var result []StoreInfo
	err := filepath.WalkDir(m.rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == m.rootPath {
				return err
			}
			m.logger.Warn("error scanning store directory", "path", path, "error", err)
			return filepath.SkipDir
		}
		if !d.IsDir() || path == m.rootPath {
			return nil
		}
		// Only directories holding meta.yaml are stores; keep descending otherwise
		if _, statErr := os.Stat(filepath.Join(path, metaFileName)); statErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(m.rootPath, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := storeInfo(filepath.ToSlash(rel), path)
		if infoErr != nil {
			m.logger.Warn("skipping unreadable store", "path", path, "error", infoErr)
		} else {
			result = append(result, info)
		}
		// Stores do not nest inside other stores
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("read stores directory: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// LoadedStores returns the stores opened so far, sorted by ID.
func (m *StoreManager) LoadedStores() []*ManagedStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedStore, 0, len(m.stores))
	for _, s := range m.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// storeInfo collects information about a single store.
func storeInfo(storeID, basePath string) (StoreInfo, error) {
	meta, err := LoadStoreMeta(filepath.Join(basePath, metaFileName))
	if err != nil {
		return StoreInfo{}, err
	}

	// Get database size
	var sizeBytes int64
	if info, err := os.Stat(filepath.Join(basePath, DBFileName)); err == nil {
		sizeBytes = info.Size()
	}

	return StoreInfo{
		ID:           storeID,
		Model:        meta.Model,
		Created:      meta.Created,
		LastAccessed: meta.LastAccessed,
		Description:  meta.Description,
		SizeBytes:    sizeBytes,
	}, nil
}

// storePath returns the filesystem path for a store ID.
func (m *StoreManager) storePath(storeID string) string {
	// Store ID segments map to directory structure
	return filepath.Join(m.rootPath, filepath.FromSlash(storeID))
}

// createStoreDir creates a new store directory with metadata.
func (m *StoreManager) createStoreDir(storeID, model, description string) error {
	storePath := m.storePath(storeID)
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	if err := SaveStoreMeta(filepath.Join(storePath, metaFileName), NewStoreMeta(model, description)); err != nil {
		// Clean up directory on failure
		os.RemoveAll(storePath)
		return fmt.Errorf("write store metadata: %w", err)
	}
	return nil
}

// Close closes all loaded stores.
func (m *StoreManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for id, managed := range m.stores {
		if err := managed.Close(); err != nil {
			m.logger.Error("error closing store", "store_id", id, "error", err)
			lastErr = err
		}
	}
	m.stores = make(map[string]*ManagedStore)
	return lastErr
}
