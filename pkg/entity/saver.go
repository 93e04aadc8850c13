package entity

import "context"

// Saver is the remote-save capability. Submit either applies the whole
// bundle and reports one outcome per entity, or fails without applying
// anything.
type Saver interface {
	Submit(ctx context.Context, bundle *SaveBundle) (*SaveResponse, error)
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, bundle *SaveBundle) (*SaveResponse, error)

// Submit calls f.
func (f SaverFunc) Submit(ctx context.Context, bundle *SaveBundle) (*SaveResponse, error) {
	return f(ctx, bundle)
}

// SaveBundle is the frozen change set of one save. Values are copies; the
// saver may keep or modify them.
type SaveBundle struct {
	// SaveID is stable across retries of the same change set and serves as
	// an idempotency key.
	SaveID   string
	SourceID string
	Entities []BundleEntity
}

// BundleEntity is one entity of a SaveBundle.
type BundleEntity struct {
	// Ref identifies the entity within the bundle; outcomes refer to it.
	Ref            string
	Type           string
	State          State
	KeyProperties  []string
	Key            Key
	KeyKinds       []Kind
	TemporaryKey   bool
	Fields         map[string]any
	OriginalValues map[string]any
	ForeignKeys    []ForeignKeyRef
}

// ForeignKeyRef names properties that hold the key of a TargetType entity.
type ForeignKeyRef struct {
	Properties []string
	TargetType string
}

// OutcomeKind is the per-entity verdict of a save.
type OutcomeKind int

const (
	OutcomeSaved OutcomeKind = iota
	OutcomeDeleted
)

func (k OutcomeKind) String() string {
	if k == OutcomeDeleted {
		return "deleted"
	}
	return "saved"
}

// Outcome reports what the service did with one bundle entity. Key is the
// permanent key; it is required for entities sent with a temporary key.
// Fields holds the authoritative values to merge back.
type Outcome struct {
	Ref    string
	Kind   OutcomeKind
	Key    Key
	Fields map[string]any
}

// SaveResponse is the successful result of Submit.
type SaveResponse struct {
	Outcomes []Outcome
}
