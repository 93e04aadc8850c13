package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/entitycache/internal/multistore"
	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// executeStoreCmd runs a store subcommand against rootPath with captured
// output. Package-level flag variables are reset first because cobra parses
// into them and values would otherwise leak between tests.
func executeStoreCmd(t *testing.T, rootPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return executeStoreCmdWithStdin(t, rootPath, "", args...)
}

func executeStoreCmdWithStdin(t *testing.T, rootPath string, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	storeRootOverride = ""
	storeJSONOutput = false
	createModel = ""
	createDescription = ""
	createIfNotExists = false
	deleteForce = false

	fullArgs := append([]string{"store"}, args...)
	fullArgs = append(fullArgs, "--root", rootPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(fullArgs)
	rootCmd.SetIn(strings.NewReader(stdin))

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	rootCmd.SetIn(nil)

	return outBuf.String(), errBuf.String(), err
}

// --- Create Tests ---

func TestStoreCreate_Defaults(t *testing.T) {
	root := t.TempDir()
	stdout, _, err := executeStoreCmd(t, root, "create", "northwind")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout, `Created store "northwind" (model: generic)`) {
		t.Errorf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(root, "northwind", "meta.yaml")); os.IsNotExist(err) {
		t.Error("store directory with meta.yaml was not created")
	}
}

func TestStoreCreate_WithModelAndDescription(t *testing.T) {
	root := t.TempDir()
	stdout, _, err := executeStoreCmd(t, root, "create", "northwind", "--model", "northwind", "--description", "Sample orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "model: northwind") {
		t.Errorf("stdout = %q, want it to name the model", stdout)
	}
}

func TestStoreCreate_NestedID(t *testing.T) {
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "org/team/todos"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "org", "team", "todos", "meta.yaml")); os.IsNotExist(err) {
		t.Error("nested store directory was not created")
	}
}

func TestStoreCreate_DuplicateFails(t *testing.T) {
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "northwind"); err != nil {
		t.Fatalf("setup: unexpected error: %v", err)
	}

	_, _, err := executeStoreCmd(t, root, "create", "northwind")
	if err == nil {
		t.Fatal("expected error for duplicate store, got nil")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error = %q, want it to contain 'already exists'", err.Error())
	}
}

func TestStoreCreate_DuplicateWithIfNotExists(t *testing.T) {
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "northwind"); err != nil {
		t.Fatalf("setup: unexpected error: %v", err)
	}

	stdout, _, err := executeStoreCmd(t, root, "create", "northwind", "--if-not-exists", "--json")
	if err != nil {
		t.Fatalf("unexpected error with --if-not-exists: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	if result["already_existed"] != true {
		t.Errorf("JSON already_existed = %v, want true", result["already_existed"])
	}
}

func TestStoreCreate_InvalidID(t *testing.T) {
	_, _, err := executeStoreCmd(t, t.TempDir(), "create", "Invalid/ID")
	if err == nil {
		t.Fatal("expected error for invalid store ID, got nil")
	}
	if !strings.Contains(err.Error(), "invalid store ID") {
		t.Errorf("error = %q, want it to contain 'invalid store ID'", err.Error())
	}
}

// --- List Tests ---

func TestStoreList_Empty(t *testing.T) {
	stdout, _, err := executeStoreCmd(t, t.TempDir(), "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "No stores found.") {
		t.Errorf("stdout = %q, want it to contain 'No stores found.'", stdout)
	}
}

func TestStoreList_MultipleStores(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"todos", "northwind", "org/project"} {
		if _, _, err := executeStoreCmd(t, root, "create", id); err != nil {
			t.Fatalf("setup: create %q: %v", id, err)
		}
	}

	stdout, _, err := executeStoreCmd(t, root, "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "MODEL") {
		t.Errorf("stdout missing table header:\n%s", stdout)
	}

	northwindIdx := strings.Index(stdout, "northwind")
	orgIdx := strings.Index(stdout, "org/project")
	todosIdx := strings.Index(stdout, "todos")
	if northwindIdx < 0 || northwindIdx >= orgIdx || orgIdx >= todosIdx {
		t.Errorf("stores not listed in ID order:\n%s", stdout)
	}
}

func TestStoreList_JSONOutputEmpty(t *testing.T) {
	stdout, _, err := executeStoreCmd(t, t.TempDir(), "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	stores, ok := result["stores"].([]any)
	if !ok || len(stores) != 0 {
		t.Errorf("JSON stores = %v, want an empty array", result["stores"])
	}
}

// --- Info Tests ---

func TestStoreInfo_ShowsEntityStats(t *testing.T) {
	// Given: A store holding two saved orders
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "northwind", "--model", "northwind"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	seedOrders(t, root, "northwind", 2)

	// When: Info is requested as JSON
	stdout, _, err := executeStoreCmd(t, root, "info", "northwind", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Then: Counts and metadata are reported
	var result map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	if result["model"] != "northwind" {
		t.Errorf("model = %v, want northwind", result["model"])
	}
	if result["entity_count"] != float64(2) {
		t.Errorf("entity_count = %v, want 2", result["entity_count"])
	}
	if result["save_count"] != float64(1) {
		t.Errorf("save_count = %v, want 1", result["save_count"])
	}
	if result["schema_version"] == float64(0) {
		t.Error("schema_version should be set")
	}
}

func TestStoreInfo_TextOutput(t *testing.T) {
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "northwind", "--description", "Sample orders"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	seedOrders(t, root, "northwind", 1)

	stdout, _, err := executeStoreCmd(t, root, "info", "northwind")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Store:         northwind", "Description:   Sample orders", "Entities:      1", "Order", "Last Save:"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestStoreInfo_NotFound(t *testing.T) {
	_, _, err := executeStoreCmd(t, t.TempDir(), "info", "missing")
	if err == nil || !strings.Contains(err.Error(), "store not found") {
		t.Errorf("expected store not found error, got %v", err)
	}
}

// --- Delete Tests ---

func TestStoreDelete_Force(t *testing.T) {
	root := t.TempDir()
	if _, _, err := executeStoreCmd(t, root, "create", "northwind"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	stdout, _, err := executeStoreCmd(t, root, "delete", "northwind", "--force")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, `Deleted store "northwind"`) {
		t.Errorf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(root, "northwind")); !os.IsNotExist(err) {
		t.Error("store directory should be removed")
	}
}

func TestStoreDelete_Confirmation(t *testing.T) {
	tests := []struct {
		name        string
		stdin       string
		wantDeleted bool
	}{
		{"matching id", "northwind\n", true},
		{"wrong id", "todos\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if _, _, err := executeStoreCmd(t, root, "create", "northwind"); err != nil {
				t.Fatalf("setup: %v", err)
			}

			_, stderr, err := executeStoreCmdWithStdin(t, root, tt.stdin, "delete", "northwind")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(stderr, "WARNING") {
				t.Errorf("stderr = %q, want a warning", stderr)
			}
			_, statErr := os.Stat(filepath.Join(root, "northwind"))
			if deleted := os.IsNotExist(statErr); deleted != tt.wantDeleted {
				t.Errorf("deleted = %v, want %v", deleted, tt.wantDeleted)
			}
		})
	}
}

func TestStoreDelete_DefaultRefused(t *testing.T) {
	_, _, err := executeStoreCmd(t, t.TempDir(), "delete", "default", "--force")
	if err == nil || !strings.Contains(err.Error(), "default store") {
		t.Errorf("expected default store error, got %v", err)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

// seedOrders saves n orders with service-assigned keys into storeID.
func seedOrders(t *testing.T, root, storeID string, n int) {
	t.Helper()
	mgr, err := multistore.NewStoreManager(root, nil)
	if err != nil {
		t.Fatalf("NewStoreManager() error = %v", err)
	}
	defer mgr.Close()

	managed, err := mgr.GetStore(context.Background(), storeID)
	if err != nil {
		t.Fatalf("GetStore() error = %v", err)
	}

	req := &cachesync.SaveRequest{SaveID: "seed-orders", SourceID: "store-test"}
	for i := 1; i <= n; i++ {
		req.Entities = append(req.Entities, cachesync.EntityPayload{
			Ref:           fmt.Sprintf("Order(%d)", -i),
			Type:          "Order",
			Operation:     cachesync.OperationInsert,
			KeyProperties: []string{"OrderID"},
			KeyKinds:      []string{"int"},
			Key:           []any{-i},
			TemporaryKey:  true,
			Fields:        map[string]any{"OrderID": -i, "ShipName": "Chevalier"},
		})
	}
	if _, err := managed.Store.ApplySave(context.Background(), req); err != nil {
		t.Fatalf("ApplySave() error = %v", err)
	}
}
