package store

import (
	"context"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// Store defines the persistence contract of one entity store.
type Store interface {
	// ApplySave applies every payload of req or none of them.
	ApplySave(ctx context.Context, req *cachesync.SaveRequest) (*cachesync.SaveResponse, error)
	GetEntity(ctx context.Context, typeName string, key []any) (*cachesync.EntityRecord, error)
	ListEntities(ctx context.Context, typeName string) ([]cachesync.EntityRecord, error)
	CheckSaveIdempotency(ctx context.Context, saveID string) ([]byte, bool, error)
	RecordSaveIdempotency(ctx context.Context, saveID, storeID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	GetSaveLog(ctx context.Context, afterSeq int64, limit int) ([]cachesync.SaveLogEntry, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	GetStats(ctx context.Context) (*Stats, error)
	// GenerateSnapshot writes a consistent copy of the database to destPath.
	GenerateSnapshot(ctx context.Context, destPath string) error
	Close() error
}

// Stats summarises the contents of a store.
type Stats struct {
	EntityCount int64            `json:"entity_count"`
	TypeCounts  map[string]int64 `json:"type_counts"`
	SaveCount   int64            `json:"save_count"`
	LastSaveAt  *time.Time       `json:"last_save_at,omitempty"`
}
