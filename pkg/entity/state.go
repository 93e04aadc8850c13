package entity

// validTransitions lists the lifecycle moves an entity may make.
// Deleted -> Added/Unchanged/Modified only happens through RejectChanges.
var validTransitions = map[State][]State{
	Detached:  {Added, Unchanged},
	Added:     {Unchanged, Deleted, Detached},
	Unchanged: {Modified, Deleted, Detached},
	Modified:  {Unchanged, Deleted, Detached},
	Deleted:   {Detached, Added, Unchanged, Modified},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves e to the given state. The caller holds the manager lock
// and has opened a tracker batch.
func (e *Entity) transition(to State, op string) error {
	if e.state == to {
		return nil
	}
	if !canTransition(e.state, to) {
		return &StateError{Identity: e.id, From: e.state, To: to, Op: op}
	}
	e.mgr.tracker.observe(e, e.state, to)
	e.state = to
	return nil
}
