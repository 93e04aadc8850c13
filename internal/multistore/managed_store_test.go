package multistore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStoreDir(t *testing.T, model string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "test-store")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create store dir: %v", err)
	}
	if err := SaveStoreMeta(filepath.Join(dir, metaFileName), NewStoreMeta(model, "Test store")); err != nil {
		t.Fatalf("failed to save meta: %v", err)
	}
	return dir
}

func TestOpenManagedStore_Success(t *testing.T) {
	// Given: A store directory with metadata
	dir := newStoreDir(t, "northwind")

	// When: It is opened
	managed, err := OpenManagedStore("test-store", dir, nil)
	if err != nil {
		t.Fatalf("OpenManagedStore() error = %v", err)
	}
	defer managed.Close()

	// Then: The database exists and is migrated
	if managed.Model() != "northwind" {
		t.Errorf("Model() = %q, want northwind", managed.Model())
	}
	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if v := managed.SchemaVersion(context.Background()); v != 1 {
		t.Errorf("SchemaVersion() = %d, want 1", v)
	}
}

func TestOpenManagedStore_MissingMeta(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenManagedStore("test-store", dir, nil); err == nil {
		t.Error("expected error when meta.yaml missing, got nil")
	}
}

func TestManagedStore_TouchAndFlush(t *testing.T) {
	// Given: An open store
	dir := newStoreDir(t, "")
	managed, err := OpenManagedStore("test-store", dir, nil)
	if err != nil {
		t.Fatalf("OpenManagedStore() error = %v", err)
	}
	defer managed.Close()
	before := managed.Meta.LastAccessed

	// When: It is touched and flushed
	time.Sleep(5 * time.Millisecond)
	managed.TouchAccessed()
	if err := managed.FlushMeta(); err != nil {
		t.Fatalf("FlushMeta() error = %v", err)
	}

	// Then: The new access time is on disk
	loaded, err := LoadStoreMeta(filepath.Join(dir, metaFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.LastAccessed.After(before) {
		t.Errorf("LastAccessed not persisted: %v <= %v", loaded.LastAccessed, before)
	}

	// A clean store does not rewrite its metadata.
	if err := os.Remove(filepath.Join(dir, metaFileName)); err != nil {
		t.Fatal(err)
	}
	if err := managed.FlushMeta(); err != nil {
		t.Fatalf("FlushMeta() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); !os.IsNotExist(err) {
		t.Error("clean FlushMeta should not write")
	}
}
