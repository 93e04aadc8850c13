package sync

import (
	"time"
)

// SaveRequest is the body of POST /api/v1/stores/{store_id}/save.
type SaveRequest struct {
	SaveID   string          `json:"save_id"`
	SourceID string          `json:"source_id"`
	Entities []EntityPayload `json:"entities"`
}

// EntityPayload is one changed entity of a save.
type EntityPayload struct {
	Ref           string          `json:"ref"`
	Type          string          `json:"type"`
	Operation     string          `json:"operation"` // "insert", "update" or "delete"
	KeyProperties []string        `json:"key_properties"`
	KeyKinds      []string        `json:"key_kinds"`
	Key           []any           `json:"key"`
	TemporaryKey  bool            `json:"temporary_key,omitempty"`
	OriginalKey   []any           `json:"original_key,omitempty"`
	Fields        map[string]any  `json:"fields,omitempty"`
	ForeignKeys   []ForeignKeyRef `json:"foreign_keys,omitempty"`
}

// LookupKey is the key under which the service stores the entity today:
// the original key when the client changed it, the current key otherwise.
func (p *EntityPayload) LookupKey() []any {
	if len(p.OriginalKey) > 0 {
		return p.OriginalKey
	}
	return p.Key
}

// ForeignKeyRef names properties of an entity that hold the key of a
// TargetType entity.
type ForeignKeyRef struct {
	Properties []string `json:"properties"`
	TargetType string   `json:"target_type"`
}

// Operation constants
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Outcome kinds
const (
	OutcomeSaved   = "saved"
	OutcomeDeleted = "deleted"
)

// SaveResponse is returned by a successful save.
type SaveResponse struct {
	SaveID      string       `json:"save_id"`
	Outcomes    []Outcome    `json:"outcomes"`
	KeyMappings []KeyMapping `json:"key_mappings,omitempty"`
}

// Outcome reports what the service did with one payload.
type Outcome struct {
	Ref     string         `json:"ref"`
	Kind    string         `json:"kind"`
	Key     []any          `json:"key,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Version int64          `json:"version,omitempty"`
}

// KeyMapping pairs a temporary key with the permanent key the service
// assigned.
type KeyMapping struct {
	Type    string `json:"type"`
	TempKey []any  `json:"temp_key"`
	RealKey []any  `json:"real_key"`
}

// EntityRecord is a stored entity as served by the fetch endpoint.
type EntityRecord struct {
	Type      string         `json:"type"`
	Key       []any          `json:"key"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FetchResponse is the body of GET /api/v1/stores/{store_id}/entities/{type}.
type FetchResponse struct {
	Type     string         `json:"type"`
	Entities []EntityRecord `json:"entities"`
}

// SaveIdempotencyEntry tracks a processed save for idempotency.
type SaveIdempotencyEntry struct {
	SaveID    string    `json:"save_id"`
	StoreID   string    `json:"store_id"`
	Response  string    `json:"response"` // JSON-encoded SaveResponse
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SaveLogEntry is one row of the append-only save log.
type SaveLogEntry struct {
	Sequence  int64     `json:"sequence"`
	SaveID    string    `json:"save_id"`
	SourceID  string    `json:"source_id"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncMeta keys
const (
	SyncMetaSchemaVersion = "schema_version"
	SyncMetaLastSweepAt   = "last_sweep_at"
	SyncMetaLastSaveID    = "last_save_id"
	SyncMetaLastSnapshot  = "last_snapshot_at"
)
