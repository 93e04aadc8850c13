package entity

import (
	"fmt"
)

// Entity is one tracked domain object: a type-tagged bag of field values with
// a key, a lifecycle state and the values it had when last saved.
//
// All methods are safe for concurrent use; they serialize on the owning
// Manager.
type Entity struct {
	mgr       *Manager
	typ       *EntityType
	id        Identity
	key       Key
	fields    map[string]any
	original  map[string]any
	state     State
	seq       uint64
	temporary bool
	inFlight  bool

	// deletedFrom is the state the entity had before it was deleted.
	deletedFrom State
	// severed holds navigation names cleared by delete fixup.
	severed map[string]bool
}

// Manager returns the manager that owns the entity.
func (e *Entity) Manager() *Manager { return e.mgr }

// Type returns the entity type name.
func (e *Entity) Type() string { return e.typ.Name }

// EntityType returns the entity type descriptor.
func (e *Entity) EntityType() *EntityType { return e.typ }

// Key returns a copy of the entity key.
func (e *Entity) Key() Key {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return cloneKey(e.key)
}

// Identity returns the (type, key) identity of the entity.
func (e *Entity) Identity() Identity {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.id
}

// State returns the lifecycle state.
func (e *Entity) State() State {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.state
}

// IsTemporaryKey reports whether the key is a placeholder awaiting the first save.
func (e *Entity) IsTemporaryKey() bool {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.temporary
}

// Get returns the value of a property, or nil if the property is unknown.
func (e *Entity) Get(name string) any {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.fields[name]
}

// Fields returns a copy of all field values.
func (e *Entity) Fields() map[string]any {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return cloneFields(e.fields)
}

// OriginalValues returns a copy of the values as of the last known-saved
// state. It is nil for entities that have never been saved.
func (e *Entity) OriginalValues() map[string]any {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	if e.original == nil {
		return nil
	}
	return cloneFields(e.original)
}

// Set assigns a property value. An Unchanged entity becomes Modified; a
// Modified entity whose values all return to the originals becomes Unchanged.
func (e *Entity) Set(name string, value any) error {
	return e.mgr.update(func() error {
		return e.set(name, value)
	})
}

func (e *Entity) set(name string, value any) error {
	prop, ok := e.typ.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.typ.Name, name)
	}
	v, err := normalize(prop.Kind, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", e.typ.Name, name, err)
	}
	if v == nil && !prop.Nullable {
		return fmt.Errorf("%w: %s.%s is not nullable", ErrInvalidValue, e.typ.Name, name)
	}
	if e.state == Deleted {
		return &StateError{Identity: e.id, From: Deleted, To: Modified, Op: "set " + name}
	}
	if e.inFlight {
		return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, e.id)
	}
	if valuesEqual(e.fields[name], v) {
		return nil
	}

	if e.typ.IsKeyProperty(name) {
		if err := e.setKeyPart(name, v); err != nil {
			return err
		}
	} else {
		e.fields[name] = v
	}
	e.clearSeveredFor(name)
	return e.refreshState()
}

// setKeyPart changes one key property. Detached entities re-key freely; an
// Added entity is re-keyed in the store together with the foreign keys that
// reference it.
func (e *Entity) setKeyPart(name string, v any) error {
	newKey := cloneKey(e.key)
	for i, kp := range e.typ.Key {
		if kp == name {
			newKey[i] = v
		}
	}
	switch e.state {
	case Detached:
		e.fields[name] = v
		e.key = newKey
		e.id = identityOf(e.typ.Name, newKey)
		return nil
	case Added:
		if e.typ.KeyGen == KeyGenIdentity {
			return fmt.Errorf("%w: %s: key %s is assigned by the service", ErrInvalidOperation, e.id, name)
		}
	default:
		return fmt.Errorf("%w: %s: cannot change key %s of a %s entity", ErrInvalidOperation, e.id, name, e.state)
	}

	m := e.mgr
	plan := newRemapPlan()
	plan.move(e, newKey)
	m.follow(plan)
	if err := plan.checkNotInFlight(e); err != nil {
		return err
	}
	if err := plan.validate(m.store); err != nil {
		return err
	}
	plan.apply(m.store)
	for _, rw := range plan.rewrites {
		if err := rw.e.refreshState(); err != nil {
			return err
		}
	}
	return nil
}

// refreshState derives Unchanged/Modified from the current and original values.
func (e *Entity) refreshState() error {
	if e.state != Unchanged && e.state != Modified {
		return nil
	}
	if e.differsFromOriginal() {
		return e.transition(Modified, "modify")
	}
	return e.transition(Unchanged, "revert")
}

func (e *Entity) differsFromOriginal() bool {
	for _, p := range e.typ.Properties {
		if !valuesEqual(e.fields[p.Name], e.original[p.Name]) {
			return true
		}
	}
	return false
}

// clearSeveredFor re-enables navigations whose foreign keys include prop.
func (e *Entity) clearSeveredFor(prop string) {
	if len(e.severed) == 0 {
		return
	}
	for _, l := range e.mgr.metadata.LinksFrom(e.typ.Name) {
		for _, fk := range l.ForeignKeys {
			if fk == prop && l.Name != "" {
				delete(e.severed, l.Name)
			}
		}
	}
}

// Delete marks the entity Deleted and runs relationship fixup. The deletion
// is sent to the service by the next save.
func (e *Entity) Delete() error {
	return e.mgr.update(func() error {
		return e.mgr.deleteEntity(e)
	})
}

// RejectChanges discards pending changes to the entity. An Added entity is
// detached; a Modified or Deleted entity returns to Unchanged with its
// original values.
func (e *Entity) RejectChanges() error {
	return e.mgr.update(func() error {
		if e.state == Detached {
			return fmt.Errorf("%w: %s", ErrNotTracked, e.id)
		}
		if e.inFlight {
			return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, e.id)
		}
		return e.mgr.reject([]*Entity{e})
	})
}

// Navigate resolves a to-one navigation property. It returns nil when the
// foreign key matches no tracked, undeleted entity or the navigation was
// cleared by delete fixup.
func (e *Entity) Navigate(name string) (*Entity, error) {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.mgr.navigate(e, name)
}

// NavigateMany resolves a to-many navigation property into the tracked,
// undeleted dependents whose foreign keys match this entity's key.
func (e *Entity) NavigateMany(name string) ([]*Entity, error) {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.mgr.navigateMany(e, name)
}

// SetNavigation points a to-one navigation at target by copying its key into
// the foreign key properties. A nil target resets the foreign keys.
func (e *Entity) SetNavigation(name string, target *Entity) error {
	return e.mgr.update(func() error {
		nav, ok := e.typ.Navigation(name)
		if !ok || nav.Multiplicity != ToOne {
			return fmt.Errorf("%w: %s.%s", ErrUnknownNavigation, e.typ.Name, name)
		}
		values := make(Key, len(nav.ForeignKeys))
		if target != nil {
			if target.mgr != e.mgr {
				return fmt.Errorf("%w: %s belongs to another manager", ErrInvalidOperation, target.id)
			}
			if target.typ.Name != nav.TargetType {
				return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrInvalidValue, e.typ.Name, name, nav.TargetType, target.typ.Name)
			}
			if target.state == Detached {
				return fmt.Errorf("%w: %s", ErrNotTracked, target.id)
			}
			copy(values, target.key)
		} else {
			for i, fk := range nav.ForeignKeys {
				p, _ := e.typ.Property(fk)
				values[i] = p.Zero()
			}
		}
		for i, fk := range nav.ForeignKeys {
			if err := e.set(fk, values[i]); err != nil {
				return err
			}
		}
		delete(e.severed, name)
		return nil
	})
}

func (e *Entity) String() string {
	return e.id.String()
}
