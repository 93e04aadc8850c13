package entity

import (
	"fmt"
	"iter"
)

// store is the identity map of a Manager. It is not safe for concurrent use;
// the owning Manager serializes access.
type store struct {
	byID  map[Identity]*Entity
	order []*Entity
	seq   uint64
}

func newStore() *store {
	return &store{byID: make(map[Identity]*Entity)}
}

func (s *store) add(e *Entity) error {
	if existing, ok := s.byID[e.id]; ok && existing != e {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, e.id)
	}
	s.seq++
	e.seq = s.seq
	s.byID[e.id] = e
	s.order = append(s.order, e)
	return nil
}

func (s *store) lookup(id Identity) *Entity {
	return s.byID[id]
}

func (s *store) remove(e *Entity) error {
	if s.byID[e.id] != e {
		return fmt.Errorf("%w: %s", ErrNotTracked, e.id)
	}
	delete(s.byID, e.id)
	for i, o := range s.order {
		if o == e {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// rekey moves e to a new identity. The caller has checked for collisions.
func (s *store) rekey(e *Entity, id Identity) {
	if s.byID[e.id] == e {
		delete(s.byID, e.id)
	}
	e.id = id
	s.byID[id] = e
}

func (s *store) clear() []*Entity {
	removed := s.order
	s.byID = make(map[Identity]*Entity)
	s.order = nil
	return removed
}

func (s *store) len() int {
	return len(s.order)
}

// snapshot returns the tracked entities in insertion order.
func (s *store) snapshot() []*Entity {
	out := make([]*Entity, len(s.order))
	copy(out, s.order)
	return out
}

func (s *store) ofType(typeName string) []*Entity {
	var out []*Entity
	for _, e := range s.order {
		if e.typ.Name == typeName {
			out = append(out, e)
		}
	}
	return out
}

// all yields tracked entities in insertion order. Each call to the returned
// sequence starts over from the beginning.
func (s *store) all(lock func() func()) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		for i := 0; ; i++ {
			unlock := lock()
			if i >= len(s.order) {
				unlock()
				return
			}
			e := s.order[i]
			unlock()
			if !yield(e) {
				return
			}
		}
	}
}
