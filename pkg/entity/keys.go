package entity

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempKeyPrefix marks temporary string keys.
const TempKeyPrefix = "~tmp-"

// allocateTempKey issues a placeholder key for a new entity of an
// identity-keyed type. Integer keys count down from -1 per manager, string
// keys are ULIDs behind TempKeyPrefix and UUID keys are random.
func (m *Manager) allocateTempKey(t *EntityType) (Key, error) {
	p, _ := t.Property(t.Key[0])
	switch p.Kind {
	case KindInt:
		m.tempSeq--
		return Key{m.tempSeq}, nil
	case KindString:
		return Key{TempKeyPrefix + ulid.Make().String()}, nil
	case KindUUID:
		return Key{uuid.New()}, nil
	default:
		return nil, fmt.Errorf("%w: cannot allocate a %s key for %s", ErrInvalidKey, p.Kind, t.Name)
	}
}

// isZeroKey reports whether every part of k is nil or its kind's zero value.
func isZeroKey(t *EntityType, k Key) bool {
	for i, name := range t.Key {
		p, _ := t.Property(name)
		if k[i] != nil && !valuesEqual(k[i], p.Kind.Zero()) {
			return false
		}
	}
	return true
}

// keyFrom reads the values of props from fields as a key.
func keyFrom(fields map[string]any, props []string) Key {
	k := make(Key, len(props))
	for i, p := range props {
		k[i] = fields[p]
	}
	return k
}

type fkRewrite struct {
	e     *Entity
	props []string
	from  Key
	to    Key
}

// remapPlan is a graph-wide key change: entities that move to a new identity
// and the foreign keys that follow them. It is computed and validated before
// anything is applied.
type remapPlan struct {
	moves    map[*Entity]Key
	order    []*Entity
	rewrites []fkRewrite
	// keepOriginals leaves original values untouched so that moved
	// entities show up as modified.
	keepOriginals bool
	// leaving entities are removed by the same operation and do not
	// block the identities they hold.
	leaving map[*Entity]bool
}

func newRemapPlan() *remapPlan {
	return &remapPlan{moves: make(map[*Entity]Key)}
}

func (p *remapPlan) move(e *Entity, k Key) {
	if _, ok := p.moves[e]; !ok {
		p.order = append(p.order, e)
	}
	p.moves[e] = k
}

// currentKey is the key e will have once the plan is applied.
func (p *remapPlan) currentKey(e *Entity) Key {
	if k, ok := p.moves[e]; ok {
		return k
	}
	return e.key
}

// follow adds the foreign-key rewrites caused by the planned moves,
// cascading into dependents whose own key contains a rewritten foreign key.
func (m *Manager) follow(p *remapPlan) {
	queue := append([]*Entity(nil), p.order...)
	for len(queue) > 0 {
		principal := queue[0]
		queue = queue[1:]
		from, to := principal.key, p.moves[principal]
		if from.Equal(to) {
			continue
		}
		for _, l := range m.metadata.LinksTo(principal.typ.Name) {
			for _, child := range m.store.ofType(l.SourceType) {
				cur := keyFrom(child.fields, l.ForeignKeys)
				matches := cur.Equal(from)
				if !matches && child.original != nil {
					matches = keyFrom(child.original, l.ForeignKeys).Equal(from)
				}
				if !matches {
					continue
				}
				p.rewrites = append(p.rewrites, fkRewrite{e: child, props: l.ForeignKeys, from: from, to: to})
				if !cur.Equal(from) {
					continue
				}
				if nk, changed := substituteKey(child.typ, p.currentKey(child), l.ForeignKeys, to); changed {
					_, queued := p.moves[child]
					p.move(child, nk)
					if !queued {
						queue = append(queue, child)
					}
				}
			}
		}
	}
}

// substituteKey returns k with the parts backed by props replaced by values.
func substituteKey(t *EntityType, k Key, props []string, values Key) (Key, bool) {
	out := cloneKey(k)
	changed := false
	for i, prop := range props {
		for j, kp := range t.Key {
			if kp == prop && !valuesEqual(out[j], values[i]) {
				out[j] = values[i]
				changed = true
			}
		}
	}
	return out, changed
}

// validate checks that no two entities end up with the same identity.
func (p *remapPlan) validate(s *store) error {
	targets := make(map[Identity]*Entity, len(p.moves))
	for _, e := range p.order {
		id := identityOf(e.typ.Name, p.moves[e])
		if other, ok := targets[id]; ok && other != e {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
		}
		targets[id] = e
		if existing := s.lookup(id); existing != nil && existing != e {
			if _, moving := p.moves[existing]; !moving && !p.leaving[existing] {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
			}
		}
	}
	return nil
}

// apply rewrites foreign keys and re-keys moved entities in the store.
// Unless keepOriginals is set, original values follow the rewrite so that an
// Unchanged dependent stays Unchanged.
func (p *remapPlan) apply(s *store) {
	for _, rw := range p.rewrites {
		if keyFrom(rw.e.fields, rw.props).Equal(rw.from) {
			setKeyParts(rw.e.fields, rw.props, rw.to)
		}
		if rw.e.original != nil && !p.keepOriginals && keyFrom(rw.e.original, rw.props).Equal(rw.from) {
			setKeyParts(rw.e.original, rw.props, rw.to)
		}
	}
	for _, e := range p.order {
		if s.byID[e.id] == e {
			delete(s.byID, e.id)
		}
	}
	for _, e := range p.order {
		k := p.moves[e]
		setKeyParts(e.fields, e.typ.Key, k)
		if e.original != nil && !p.keepOriginals {
			setKeyParts(e.original, e.typ.Key, k)
		}
		e.key = cloneKey(k)
		e.id = identityOf(e.typ.Name, k)
		if e.state != Detached {
			s.byID[e.id] = e
		}
	}
}

func setKeyParts(fields map[string]any, props []string, k Key) {
	for i, prop := range props {
		fields[prop] = k[i]
	}
}

// checkNotInFlight fails if the plan touches an entity of the outstanding save.
func (p *remapPlan) checkNotInFlight(origin *Entity) error {
	for _, e := range p.order {
		if e.inFlight {
			return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, e.id)
		}
	}
	for _, rw := range p.rewrites {
		if rw.e.inFlight {
			return fmt.Errorf("%w: %s is being saved (changing %s)", ErrInvalidOperation, rw.e.id, origin.id)
		}
	}
	return nil
}
