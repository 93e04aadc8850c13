package entity

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const exportVersion = 1

type exportDoc struct {
	Version  int            `msgpack:"version"`
	SourceID string         `msgpack:"source_id"`
	Entities []exportEntity `msgpack:"entities"`
}

type exportEntity struct {
	Type      string         `msgpack:"type"`
	State     string         `msgpack:"state"`
	Temporary bool           `msgpack:"temporary,omitempty"`
	Fields    map[string]any `msgpack:"fields"`
	Original  map[string]any `msgpack:"original,omitempty"`
}

// ExportEntities serializes entities, with their state and original values,
// into a msgpack document that ImportEntities accepts. With no arguments
// every tracked entity is exported. Entities added and deleted again are
// skipped.
func (m *Manager) ExportEntities(entities ...*Entity) ([]byte, error) {
	m.mu.Lock()
	if len(entities) == 0 {
		entities = m.store.snapshot()
	}
	doc := exportDoc{Version: exportVersion, SourceID: m.sourceID}
	for _, e := range entities {
		if e.mgr != m || e.state == Detached {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotTracked, e.id)
		}
		if e.state == Deleted && e.deletedFrom == Added {
			continue
		}
		doc.Entities = append(doc.Entities, exportEntity{
			Type:      e.typ.Name,
			State:     e.state.String(),
			Temporary: e.temporary,
			Fields:    portableFields(e.fields),
			Original:  portableFields(e.original),
		})
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return buf.Bytes(), nil
}

type importItem struct {
	typ       *EntityType
	state     State
	temporary bool
	fields    map[string]any
	original  map[string]any
}

// ImportEntities merges a document produced by ExportEntities into the
// manager as one operation. Temporary keys are re-allocated locally and
// foreign keys among the imported entities follow them. Existing entities are
// merged according to strategy.
func (m *Manager) ImportEntities(data []byte, strategy MergeStrategy) ([]*Entity, error) {
	var doc exportDoc
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode import: %w", err)
	}
	if doc.Version != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", doc.Version)
	}

	items := make([]importItem, 0, len(doc.Entities))
	for _, x := range doc.Entities {
		t, err := m.metadata.Describe(x.Type)
		if err != nil {
			return nil, err
		}
		state, err := ParseState(x.State)
		if err != nil {
			return nil, err
		}
		if state == Detached {
			continue
		}
		fields, err := normalizeFields(t, x.Fields)
		if err != nil {
			return nil, err
		}
		item := importItem{typ: t, state: state, temporary: x.Temporary && state == Added, fields: fields}
		if x.Original != nil && state != Added {
			if item.original, err = normalizeFields(t, x.Original); err != nil {
				return nil, err
			}
		} else if state != Added {
			item.original = cloneFields(fields)
		}
		items = append(items, item)
	}

	var imported []*Entity
	err := m.update(func() error {
		if m.saving {
			return fmt.Errorf("%w: import while a save is outstanding", ErrInvalidOperation)
		}
		remapped := make(map[Identity]Key)
		for i := range items {
			it := &items[i]
			if !it.temporary {
				continue
			}
			old := keyFrom(it.fields, it.typ.Key)
			k, err := m.allocateTempKey(it.typ)
			if err != nil {
				return err
			}
			remapped[identityOf(it.typ.Name, old)] = k
			setKeyParts(it.fields, it.typ.Key, k)
		}
		for i := range items {
			it := &items[i]
			for _, l := range m.metadata.LinksFrom(it.typ.Name) {
				if k, ok := remapped[identityOf(l.TargetType, keyFrom(it.fields, l.ForeignKeys))]; ok {
					setKeyParts(it.fields, l.ForeignKeys, k)
				}
			}
		}

		// Every check that can fail runs before the first entity is touched.
		seen := make(map[Identity]bool, len(items))
		for _, it := range items {
			key := keyFrom(it.fields, it.typ.Key)
			if it.getsLocalKey(key) {
				continue
			}
			if err := checkKeyParts(it.typ, key); err != nil {
				return err
			}
			id := identityOf(it.typ.Name, key)
			if seen[id] {
				return fmt.Errorf("%w: %s appears twice in import", ErrDuplicateKey, id)
			}
			seen[id] = true
			existing := m.store.lookup(id)
			if existing == nil {
				continue
			}
			if existing.inFlight {
				return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, id)
			}
			if it.state == Added && (existing.state == Unchanged || existing.state == Modified) {
				return fmt.Errorf("%w: added %s collides with a saved entity", ErrDuplicateKey, id)
			}
		}

		for _, it := range items {
			e, err := m.importOne(it, strategy)
			if err != nil {
				return err
			}
			imported = append(imported, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return imported, nil
}

// getsLocalKey reports whether attaching the item allocates a fresh key in
// place of key.
func (it *importItem) getsLocalKey(key Key) bool {
	if it.state != Added || !isZeroKey(it.typ, key) {
		return false
	}
	return it.typ.KeyGen == KeyGenIdentity || (len(key) == 1 && it.typ.KeyKinds()[0] == KindUUID)
}

func (m *Manager) importOne(it importItem, strategy MergeStrategy) (*Entity, error) {
	key := keyFrom(it.fields, it.typ.Key)
	id := identityOf(it.typ.Name, key)
	e := m.store.lookup(id)
	if e != nil {
		if e.state.IsDirty() && strategy == MergePreserveChanges {
			return e, nil
		}
		if e.state == Deleted || e.state == Added {
			if err := m.detach(e); err != nil {
				return nil, err
			}
			e = nil
		}
	}
	if e == nil {
		e = &Entity{mgr: m, typ: it.typ, key: key, id: id, state: Detached, temporary: it.temporary}
		attachAs := Unchanged
		if it.state == Added {
			attachAs = Added
		}
		e.fields = cloneFields(it.fields)
		if attachAs == Unchanged {
			e.fields = cloneFields(it.original)
		}
		if err := m.attach(e, attachAs); err != nil {
			return nil, err
		}
	}
	if it.state == Added {
		return e, nil
	}

	e.original = cloneFields(it.original)
	e.fields = cloneFields(it.fields)
	e.severed = nil
	if err := e.refreshState(); err != nil {
		return nil, err
	}
	if it.state == Deleted {
		e.deletedFrom = e.state
		if err := e.transition(Deleted, "import"); err != nil {
			return nil, err
		}
	}
	return e, nil
}
