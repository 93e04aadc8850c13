package entity

import (
	"fmt"
)

func (m *Manager) navigate(e *Entity, name string) (*Entity, error) {
	nav, ok := e.typ.Navigation(name)
	if !ok || nav.Multiplicity != ToOne {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownNavigation, e.typ.Name, name)
	}
	if e.state == Detached || e.severed[name] {
		return nil, nil
	}
	fk := keyFrom(e.fields, nav.ForeignKeys)
	for _, v := range fk {
		if v == nil {
			return nil, nil
		}
	}
	target := m.store.lookup(identityOf(nav.TargetType, fk))
	if target == nil || target.state == Deleted {
		return nil, nil
	}
	return target, nil
}

func (m *Manager) navigateMany(e *Entity, name string) ([]*Entity, error) {
	nav, ok := e.typ.Navigation(name)
	if !ok || nav.Multiplicity != ToMany {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownNavigation, e.typ.Name, name)
	}
	if e.state == Detached || e.severed[name] {
		return nil, nil
	}
	link, ok := m.inverseLink(e.typ.Name, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s has no relationship", ErrUnknownNavigation, e.typ.Name, name)
	}
	var out []*Entity
	for _, child := range m.store.ofType(link.SourceType) {
		if child.state == Deleted || (link.Name != "" && child.severed[link.Name]) {
			continue
		}
		if keyFrom(child.fields, link.ForeignKeys).Equal(e.key) {
			out = append(out, child)
		}
	}
	return out, nil
}

func (m *Manager) inverseLink(typeName, navName string) (Link, bool) {
	for _, l := range m.metadata.LinksTo(typeName) {
		if l.Inverse == navName {
			return l, true
		}
	}
	return Link{}, false
}

func (e *Entity) sever(name string) {
	if e.severed == nil {
		e.severed = make(map[string]bool)
	}
	e.severed[name] = true
}

type orphan struct {
	child *Entity
	link  Link
}

// deleteEntity moves e to Deleted and fixes up relationships:
//   - e's to-one navigations marked ClearParentNav are severed, its foreign
//     keys are kept;
//   - e's to-many navigations are severed;
//   - every dependent's navigation to e is severed, and with ClearChildFK its
//     foreign key is reset to the zero sentinel, re-keying the dependent when
//     the foreign key is part of its key.
//
// Nothing changes if the fixup cannot be applied.
func (m *Manager) deleteEntity(e *Entity) error {
	if e.mgr != m {
		return fmt.Errorf("%w: %s belongs to another manager", ErrInvalidOperation, e.id)
	}
	if e.state == Detached || e.state == Deleted {
		return &StateError{Identity: e.id, From: e.state, To: Deleted, Op: "delete"}
	}
	if e.inFlight {
		return fmt.Errorf("%w: %s is being saved", ErrInvalidOperation, e.id)
	}

	plan := newRemapPlan()
	plan.keepOriginals = true
	var orphans []orphan
	for _, l := range m.metadata.LinksTo(e.typ.Name) {
		for _, child := range m.store.ofType(l.SourceType) {
			if child == e || !keyFrom(child.fields, l.ForeignKeys).Equal(e.key) {
				continue
			}
			orphans = append(orphans, orphan{child: child, link: l})
			if !l.Cascade.ClearChildFK || child.state == Deleted {
				continue
			}
			zero := zeroKeyFor(child.typ, l.ForeignKeys)
			plan.rewrites = append(plan.rewrites, fkRewrite{e: child, props: l.ForeignKeys, from: e.key, to: zero})
			if nk, changed := substituteKey(child.typ, plan.currentKey(child), l.ForeignKeys, zero); changed {
				plan.move(child, nk)
			}
		}
	}
	m.follow(plan)
	if err := plan.checkNotInFlight(e); err != nil {
		return err
	}
	if err := plan.validate(m.store); err != nil {
		return err
	}

	from := e.state
	if err := e.transition(Deleted, "delete"); err != nil {
		return err
	}
	e.deletedFrom = from
	for _, l := range m.metadata.LinksFrom(e.typ.Name) {
		if l.Name != "" && l.Cascade.ClearParentNav {
			e.sever(l.Name)
		}
	}
	for _, n := range e.typ.Navigations {
		if n.Multiplicity == ToMany {
			e.sever(n.Name)
		}
	}
	for _, o := range orphans {
		if o.link.Name != "" {
			o.child.sever(o.link.Name)
		}
	}
	plan.apply(m.store)
	for _, rw := range plan.rewrites {
		if err := rw.e.refreshState(); err != nil {
			return err
		}
	}
	m.logger.Debug("entity deleted",
		"component", "entity",
		"action", "delete",
		"entity", e.id.String(),
		"orphans", len(orphans),
	)
	return nil
}

func zeroKeyFor(t *EntityType, props []string) Key {
	k := make(Key, len(props))
	for i, name := range props {
		p, _ := t.Property(name)
		k[i] = p.Zero()
	}
	return k
}

// reject discards the pending changes of list. Added entities, including
// deleted ones that were never saved, are detached; Modified and Deleted
// entities return to Unchanged with their original values. Rejecting a
// deletion restores the entity's own navigations and those of dependents
// whose foreign keys still point at it.
func (m *Manager) reject(list []*Entity) error {
	plan := newRemapPlan()
	plan.leaving = make(map[*Entity]bool)
	for _, e := range list {
		if e.state == Added || (e.state == Deleted && e.deletedFrom == Added) {
			plan.leaving[e] = true
			continue
		}
		if e.original == nil {
			continue
		}
		if ok := keyFrom(e.original, e.typ.Key); !ok.Equal(e.key) {
			plan.move(e, ok)
		}
	}
	if err := plan.validate(m.store); err != nil {
		return err
	}

	var undeleted []*Entity
	for _, e := range list {
		switch {
		case plan.leaving[e]:
			if err := m.detach(e); err != nil {
				return err
			}
		case e.state == Modified || e.state == Deleted:
			if e.state == Deleted {
				undeleted = append(undeleted, e)
			}
			e.fields = cloneFields(e.original)
			e.severed = nil
			e.deletedFrom = Detached
			if err := e.transition(Unchanged, "reject"); err != nil {
				return err
			}
		}
	}
	plan.apply(m.store)
	for _, e := range undeleted {
		m.restoreNavigations(e)
	}
	return nil
}

func (m *Manager) restoreNavigations(e *Entity) {
	for _, l := range m.metadata.LinksTo(e.typ.Name) {
		if l.Name == "" {
			continue
		}
		for _, child := range m.store.ofType(l.SourceType) {
			if keyFrom(child.fields, l.ForeignKeys).Equal(e.key) {
				delete(child.severed, l.Name)
			}
		}
	}
}

// detach removes e from the store and resets its tracking state.
func (m *Manager) detach(e *Entity) error {
	if err := m.store.remove(e); err != nil {
		return err
	}
	if err := e.transition(Detached, "detach"); err != nil {
		return err
	}
	e.severed = nil
	e.deletedFrom = Detached
	e.inFlight = false
	return nil
}
