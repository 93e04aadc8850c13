package entity

import "slices"

// HasChangesChangedEvent is delivered when HasChanges flips.
type HasChangesChangedEvent struct {
	Manager    *Manager
	HasChanges bool
}

// changeTracker keeps the dirty set and folds the state transitions of one
// operation into at most one HasChanges notification.
type changeTracker struct {
	dirty  map[*Entity]struct{}
	depth  int
	before bool
}

func newChangeTracker() *changeTracker {
	return &changeTracker{dirty: make(map[*Entity]struct{})}
}

func (t *changeTracker) observe(e *Entity, from, to State) {
	if from.IsDirty() == to.IsDirty() {
		return
	}
	if to.IsDirty() {
		t.dirty[e] = struct{}{}
	} else {
		delete(t.dirty, e)
	}
}

func (t *changeTracker) hasChanges() bool {
	return len(t.dirty) > 0
}

func (t *changeTracker) begin() {
	if t.depth == 0 {
		t.before = t.hasChanges()
	}
	t.depth++
}

// end closes a batch and reports whether HasChanges flipped across it.
func (t *changeTracker) end() (flipped bool, now bool) {
	t.depth--
	if t.depth > 0 {
		return false, t.hasChanges()
	}
	now = t.hasChanges()
	return now != t.before, now
}

func (t *changeTracker) reset() {
	t.dirty = make(map[*Entity]struct{})
}

// OnHasChangesChanged registers fn to be called whenever HasChanges flips.
// fn runs outside the manager lock and may call back into the manager.
// The returned function unregisters fn.
func (m *Manager) OnHasChangesChanged(fn func(HasChangesChangedEvent)) (cancel func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = fn
	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		delete(m.listeners, id)
	}
}

// enqueueLocked records a HasChanges flip. The caller holds m.mu, so
// flips are queued in the order they happened.
func (m *Manager) enqueueLocked(hasChanges bool) {
	m.pending = append(m.pending, hasChanges)
}

// dispatch delivers queued flips in order. If another goroutine, or an
// outer call on this one, is already delivering, the flips are left for it.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			m.dispatching = false
			m.mu.Unlock()
			panic(r)
		}
	}()
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.notify(next)
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) notify(hasChanges bool) {
	m.listenerMu.Lock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(HasChangesChangedEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenerMu.Unlock()

	ev := HasChangesChangedEvent{Manager: m, HasChanges: hasChanges}
	for _, fn := range fns {
		fn(ev)
	}
}

// update runs fn under the manager lock as one observable operation and
// delivers at most one HasChanges notification after the lock is released.
func (m *Manager) update(fn func() error) error {
	m.mu.Lock()
	m.tracker.begin()
	err := fn()
	if flipped, now := m.tracker.end(); flipped {
		m.enqueueLocked(now)
	}
	m.mu.Unlock()
	m.dispatch()
	return err
}
