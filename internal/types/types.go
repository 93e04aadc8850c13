// Package types holds the JSON documents of the entity service API that are
// not part of the save protocol itself.
package types

import (
	"encoding/json"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	StoreCount    int    `json:"store_count"`
	LoadedStores  int    `json:"loaded_stores"`
	SchemaVersion int    `json:"schema_version"`
}

// StoreSummary is one entry of ListStoresResponse.
type StoreSummary struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Description  string    `json:"description,omitempty"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	SizeBytes    int64     `json:"size_bytes"`
}

// ListStoresResponse is returned by GET /api/v1/stores.
type ListStoresResponse struct {
	Stores []StoreSummary `json:"stores"`
	Total  int            `json:"total"`
}

// CreateStoreRequest is the body of POST /api/v1/stores.
type CreateStoreRequest struct {
	StoreID     string `json:"store_id"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
}

// StoreStats holds the entity statistics of one store.
type StoreStats struct {
	EntityCount int64            `json:"entity_count"`
	TypeCounts  map[string]int64 `json:"type_counts"`
	SaveCount   int64            `json:"save_count"`
	LastSaveAt  *time.Time       `json:"last_save_at,omitempty"`
}

// StoreInfoResponse is returned by GET /api/v1/stores/{store_id}.
type StoreInfoResponse struct {
	StoreSummary
	SchemaVersion  int        `json:"schema_version"`
	LastSweepAt    *time.Time `json:"last_sweep_at,omitempty"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
	Stats          StoreStats `json:"stats"`
}

// SaveLogResponse is returned by GET /api/v1/stores/{store_id}/saves.
type SaveLogResponse struct {
	Entries      []cachesync.SaveLogEntry `json:"entries"`
	LastSequence int64                    `json:"last_sequence"`
	HasMore      bool                     `json:"has_more"`
}

// MarshalJSON ensures nil slices in ListStoresResponse marshal as [] not null.
func (r ListStoresResponse) MarshalJSON() ([]byte, error) {
	if r.Stores == nil {
		r.Stores = []StoreSummary{}
	}
	type Alias ListStoresResponse
	return json.Marshal(Alias(r))
}

// MarshalJSON ensures a nil map in StoreStats marshals as {} not null.
func (s StoreStats) MarshalJSON() ([]byte, error) {
	if s.TypeCounts == nil {
		s.TypeCounts = map[string]int64{}
	}
	type Alias StoreStats
	return json.Marshal(Alias(s))
}

// MarshalJSON ensures nil slices in SaveLogResponse marshal as [] not null.
func (r SaveLogResponse) MarshalJSON() ([]byte, error) {
	if r.Entries == nil {
		r.Entries = []cachesync.SaveLogEntry{}
	}
	type Alias SaveLogResponse
	return json.Marshal(Alias(r))
}
