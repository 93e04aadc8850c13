package store

import (
	"context"
	"errors"
	"testing"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

func TestSaveIdempotency_RecordAndCheck(t *testing.T) {
	// Given: A store with a recorded save response
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RecordSaveIdempotency(ctx, "save-1", "default", []byte(`{"save_id":"save-1"}`), time.Hour); err != nil {
		t.Fatalf("RecordSaveIdempotency failed: %v", err)
	}

	// When: The same save id is checked
	resp, found, err := s.CheckSaveIdempotency(ctx, "save-1")

	// Then: The cached response is returned
	if err != nil {
		t.Fatalf("CheckSaveIdempotency failed: %v", err)
	}
	if !found {
		t.Fatal("expected cached response")
	}
	if string(resp) != `{"save_id":"save-1"}` {
		t.Errorf("unexpected response %s", resp)
	}

	_, found, err = s.CheckSaveIdempotency(ctx, "save-2")
	if err != nil || found {
		t.Errorf("unknown save id should not be found (found=%v, err=%v)", found, err)
	}
}

func TestSaveIdempotency_ExpiredEntriesIgnoredAndCleaned(t *testing.T) {
	// Given: One expired and one live entry
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RecordSaveIdempotency(ctx, "old", "default", []byte(`{}`), -time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSaveIdempotency(ctx, "new", "default", []byte(`{}`), time.Hour); err != nil {
		t.Fatal(err)
	}

	// Then: The expired entry is not served
	if _, found, _ := s.CheckSaveIdempotency(ctx, "old"); found {
		t.Error("expired entry should not be found")
	}

	// When: Expired entries are cleaned
	n, err := s.CleanExpiredIdempotency(ctx)
	if err != nil {
		t.Fatalf("CleanExpiredIdempotency failed: %v", err)
	}

	// Then: Only the expired entry is removed
	if n != 1 {
		t.Errorf("removed %d entries, want 1", n)
	}
	if _, found, _ := s.CheckSaveIdempotency(ctx, "new"); !found {
		t.Error("live entry should survive cleanup")
	}
}

func TestSaveLog_RecordsEverySave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.ApplySave(ctx, &cachesync.SaveRequest{
		SaveID:   "s1",
		SourceID: "client-a",
		Entities: []cachesync.EntityPayload{orderPayload("o", -1, true, map[string]any{})},
	})
	if err != nil {
		t.Fatal(err)
	}

	log, err := s.GetSaveLog(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetSaveLog failed: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log))
	}
	if log[0].SaveID != "s1" || log[0].SourceID != "client-a" || log[0].Inserted != 1 {
		t.Errorf("unexpected entry %+v", log[0])
	}

	last, err := s.GetSyncMeta(ctx, cachesync.SyncMetaLastSaveID)
	if err != nil {
		t.Fatal(err)
	}
	if last != "s1" {
		t.Errorf("last_save_id = %q, want s1", last)
	}
}

func TestSyncMeta_GetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncMeta(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSyncMeta(ctx, cachesync.SyncMetaLastSweepAt, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSyncMeta(ctx, cachesync.SyncMetaLastSweepAt)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected value %q", got)
	}
}
