package entity

import (
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Manager is a client-side entity cache: an identity map of entities with
// change tracking and batch saving. The zero value is not usable; create
// one with NewManager.
type Manager struct {
	mu       sync.Mutex
	metadata Metadata
	saver    Saver
	logger   *slog.Logger
	metrics  *Metrics
	sourceID string

	store   *store
	tracker *changeTracker
	tempSeq int64
	saving  bool
	saveSeq uint64

	listenerMu  sync.Mutex
	listeners   map[uint64]func(HasChangesChangedEvent)
	listenerSeq uint64

	// pending holds HasChanges flips in the order they happened; guarded
	// by mu. Only the goroutine that set dispatching delivers them.
	pending     []bool
	dispatching bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSaver sets the remote-save capability used by SaveChanges.
func WithSaver(s Saver) Option {
	return func(m *Manager) { m.saver = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records save metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSourceID sets the identifier sent with every save. Defaults to a new ULID.
func WithSourceID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.sourceID = id
		}
	}
}

// NewManager creates an empty manager for the given metadata.
func NewManager(md Metadata, opts ...Option) *Manager {
	m := &Manager{
		metadata:  md,
		logger:    slog.Default(),
		sourceID:  ulid.Make().String(),
		store:     newStore(),
		tracker:   newChangeTracker(),
		listeners: make(map[uint64]func(HasChangesChangedEvent)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Metadata returns the metadata the manager was created with.
func (m *Manager) Metadata() Metadata { return m.metadata }

// SourceID identifies this manager to the data service.
func (m *Manager) SourceID() string { return m.sourceID }

// NewEntity creates a detached entity of the given type. Properties not in
// fields get their zero value (nil when nullable).
func (m *Manager) NewEntity(typeName string, fields map[string]any) (*Entity, error) {
	t, err := m.metadata.Describe(typeName)
	if err != nil {
		return nil, err
	}
	values, err := normalizeFields(t, fields)
	if err != nil {
		return nil, err
	}
	e := &Entity{
		mgr:    m,
		typ:    t,
		fields: values,
		state:  Detached,
	}
	e.key = keyFrom(values, t.Key)
	e.id = identityOf(t.Name, e.key)
	return e, nil
}

func normalizeFields(t *EntityType, fields map[string]any) (map[string]any, error) {
	for name := range fields {
		if _, ok := t.Property(name); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, t.Name, name)
		}
	}
	values := make(map[string]any, len(t.Properties))
	for _, p := range t.Properties {
		raw, ok := fields[p.Name]
		if !ok {
			values[p.Name] = p.Zero()
			continue
		}
		v, err := normalize(p.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, p.Name, err)
		}
		if v == nil && !p.Nullable && !t.IsKeyProperty(p.Name) {
			v = p.Zero()
		}
		values[p.Name] = v
	}
	return values, nil
}

// CreateEntity creates a new entity and adds it to the manager.
func (m *Manager) CreateEntity(typeName string, fields map[string]any) (*Entity, error) {
	e, err := m.NewEntity(typeName, fields)
	if err != nil {
		return nil, err
	}
	if err := m.AddEntity(e); err != nil {
		return nil, err
	}
	return e, nil
}

// AddEntity starts tracking a detached entity as Added. Service-keyed types
// with an empty key get a temporary key; a client-keyed UUID key that is
// empty gets a fresh UUID.
func (m *Manager) AddEntity(e *Entity) error {
	return m.update(func() error {
		return m.attach(e, Added)
	})
}

// AttachEntity starts tracking a detached entity in the given state, which
// must be Added or Unchanged. Unchanged entities take their current values
// as original values.
func (m *Manager) AttachEntity(e *Entity, state State) error {
	if state != Added && state != Unchanged {
		return fmt.Errorf("%w: cannot attach as %s", ErrInvalidOperation, state)
	}
	return m.update(func() error {
		return m.attach(e, state)
	})
}

func checkKeyParts(t *EntityType, key Key) error {
	for i, v := range key {
		if v == nil {
			return fmt.Errorf("%w: %s: key %s is null", ErrInvalidKey, t.Name, t.Key[i])
		}
	}
	return nil
}

func (m *Manager) attach(e *Entity, state State) error {
	if e.mgr != m {
		return fmt.Errorf("%w: %s belongs to another manager", ErrInvalidOperation, e.id)
	}
	if e.state != Detached {
		return &StateError{Identity: e.id, From: e.state, To: state, Op: "attach"}
	}

	key := cloneKey(e.key)
	temporary := e.temporary
	if state == Added && isZeroKey(e.typ, key) {
		switch {
		case e.typ.KeyGen == KeyGenIdentity:
			k, err := m.allocateTempKey(e.typ)
			if err != nil {
				return err
			}
			key, temporary = k, true
		case len(key) == 1 && e.typ.KeyKinds()[0] == KindUUID:
			k, err := m.allocateTempKey(e.typ)
			if err != nil {
				return err
			}
			key = k
		}
	}
	if state == Unchanged {
		temporary = false
	}
	if err := checkKeyParts(e.typ, key); err != nil {
		return err
	}

	id := identityOf(e.typ.Name, key)
	if existing := m.store.lookup(id); existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}
	setKeyParts(e.fields, e.typ.Key, key)
	e.key, e.id, e.temporary = key, id, temporary
	if state == Unchanged {
		e.original = cloneFields(e.fields)
	} else {
		e.original = nil
	}
	if err := m.store.add(e); err != nil {
		return err
	}
	return e.transition(state, "attach")
}

// MergeStrategy decides how incoming service data treats tracked entities.
type MergeStrategy int

const (
	// MergePreserveChanges updates only Unchanged entities.
	MergePreserveChanges MergeStrategy = iota
	// MergeOverwriteChanges replaces local changes with the incoming values.
	MergeOverwriteChanges
)

// Materialize merges one entity's worth of service data into the manager.
// An unknown entity is attached as Unchanged; a tracked one is updated
// according to strategy. Added and Deleted entities are never overwritten.
func (m *Manager) Materialize(typeName string, fields map[string]any, strategy MergeStrategy) (*Entity, error) {
	var out *Entity
	err := m.update(func() error {
		e, err := m.materialize(typeName, fields, strategy)
		out = e
		return err
	})
	return out, err
}

func (m *Manager) materialize(typeName string, fields map[string]any, strategy MergeStrategy) (*Entity, error) {
	t, err := m.metadata.Describe(typeName)
	if err != nil {
		return nil, err
	}
	values, err := normalizeFields(t, fields)
	if err != nil {
		return nil, err
	}
	key := keyFrom(values, t.Key)
	existing := m.store.lookup(identityOf(t.Name, key))
	if existing == nil {
		e := &Entity{mgr: m, typ: t, fields: values, state: Detached, key: key, id: identityOf(t.Name, key)}
		if err := m.attach(e, Unchanged); err != nil {
			return nil, err
		}
		return e, nil
	}
	if existing.inFlight {
		return existing, nil
	}
	switch existing.state {
	case Unchanged:
		existing.fields = values
		existing.original = cloneFields(values)
	case Modified:
		if strategy == MergeOverwriteChanges {
			existing.fields = values
			existing.original = cloneFields(values)
			existing.severed = nil
			if err := existing.transition(Unchanged, "merge"); err != nil {
				return nil, err
			}
		} else {
			existing.original = values
			if err := existing.refreshState(); err != nil {
				return nil, err
			}
		}
	}
	return existing, nil
}

// DetachEntity stops tracking e. Pending changes are lost.
func (m *Manager) DetachEntity(e *Entity) error {
	return m.update(func() error {
		if e.mgr != m || e.state == Detached {
			return fmt.Errorf("%w: %s", ErrNotTracked, e.id)
		}
		if e.inFlight {
			return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, e.id)
		}
		return m.detach(e)
	})
}

// FindEntityByKey returns the tracked entity with the given key, or nil.
// Deleted entities are returned too.
func (m *Manager) FindEntityByKey(typeName string, key ...any) *Entity {
	t, err := m.metadata.Describe(typeName)
	if err != nil || len(key) != len(t.Key) {
		return nil
	}
	k := make(Key, len(key))
	for i, kind := range t.KeyKinds() {
		v, err := normalize(kind, key[i])
		if err != nil {
			return nil
		}
		k[i] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.lookup(identityOf(t.Name, k))
}

// Entities returns a lazy sequence over the tracked entities in insertion
// order. The sequence can be ranged over more than once.
func (m *Manager) Entities() iter.Seq[*Entity] {
	return m.store.all(func() func() {
		m.mu.Lock()
		return m.mu.Unlock
	})
}

// GetEntities returns the tracked entities of a type (all types when
// typeName is empty), optionally restricted to the given states.
func (m *Manager) GetEntities(typeName string, states ...State) []*Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, e := range m.store.order {
		if typeName != "" && e.typ.Name != typeName {
			continue
		}
		if len(states) > 0 && !containsState(states, e.state) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// GetChanges returns the Added, Modified and Deleted entities in insertion order.
func (m *Manager) GetChanges() []*Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changesLocked()
}

func (m *Manager) changesLocked() []*Entity {
	var out []*Entity
	for _, e := range m.store.order {
		if e.state.IsDirty() {
			out = append(out, e)
		}
	}
	return out
}

// HasChanges reports whether any entity has pending changes.
func (m *Manager) HasChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.hasChanges()
}

// IsSaving reports whether a save is outstanding.
func (m *Manager) IsSaving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saving
}

// Len returns the number of tracked entities.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.len()
}

// RejectChanges discards all pending changes as one operation and returns
// the entities that were affected.
func (m *Manager) RejectChanges() ([]*Entity, error) {
	var rejected []*Entity
	err := m.update(func() error {
		if m.saving {
			return fmt.Errorf("%w: reject while a save is outstanding", ErrInvalidOperation)
		}
		rejected = m.changesLocked()
		return m.reject(rejected)
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// Clear detaches every entity.
func (m *Manager) Clear() error {
	return m.update(func() error {
		if m.saving {
			return fmt.Errorf("%w: clear while a save is outstanding", ErrInvalidOperation)
		}
		for _, e := range m.store.clear() {
			e.state = Detached
			e.severed = nil
			e.deletedFrom = Detached
		}
		m.tracker.reset()
		return nil
	})
}
