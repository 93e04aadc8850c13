package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openMigratedDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database migrated once
	db := openMigratedDB(t)

	// Then: Every table exists with its columns
	queries := map[string]string{
		"entities":         `SELECT type_name, entity_key, fields, version, created_at, updated_at FROM entities LIMIT 0`,
		"key_sequences":    `SELECT type_name, next_value FROM key_sequences LIMIT 0`,
		"save_log":         `SELECT sequence, save_id, source_id, inserted, updated, deleted, created_at FROM save_log LIMIT 0`,
		"save_idempotency": `SELECT save_id, store_id, response, created_at, expires_at FROM save_idempotency LIMIT 0`,
		"sync_meta":        `SELECT key, value FROM sync_meta LIMIT 0`,
	}
	for table, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("%s missing or has wrong columns: %v", table, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openMigratedDB(t)

	// When: RunMigrations is called again
	err := RunMigrations(db)

	// Then: No error occurs
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestRunMigrations_PreservesData(t *testing.T) {
	// Given: A database with an entity row
	db := openMigratedDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`
		INSERT INTO entities (type_name, entity_key, fields, created_at, updated_at)
		VALUES ('Employee', '[1]', '{"EmployeeID":1}', ?, ?)
	`, now, now)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	// When: RunMigrations is called again
	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-migration failed: %v", err)
	}

	// Then: Existing data is preserved
	var fields string
	err = db.QueryRow(`SELECT fields FROM entities WHERE type_name = 'Employee' AND entity_key = '[1]'`).Scan(&fields)
	if err != nil {
		t.Fatalf("data not preserved after migration: %v", err)
	}
	if fields != `{"EmployeeID":1}` {
		t.Errorf("unexpected fields %q", fields)
	}
}

func TestSchema_SeedsSyncMeta(t *testing.T) {
	// Given: A migrated database
	db := openMigratedDB(t)

	// Then: schema_version is seeded
	var version string
	if err := db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatalf("schema_version not found: %v", err)
	}
	if version != "1" {
		t.Errorf("expected schema_version '1', got %q", version)
	}
}

func TestSchema_Indexes(t *testing.T) {
	// Given: A migrated database
	db := openMigratedDB(t)

	// Then: All required indexes exist
	for _, idx := range []string{
		"idx_entities_updated_at",
		"idx_save_log_save_id",
		"idx_save_idempotency_expires",
	} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}
