package entity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyMapping records a temporary key replaced by a permanent one.
type KeyMapping struct {
	Type    string
	TempKey Key
	RealKey Key
}

// SaveResult describes a successful save.
type SaveResult struct {
	SaveID string
	// Entities lists every entity of the change set in its post-save state;
	// deleted entities are included and are now Detached.
	Entities    []*Entity
	KeyMappings []KeyMapping
}

// SaveChanges sends all pending changes to the Saver as one batch.
//
// On success temporary keys are remapped across the graph, saved entities
// become Unchanged with the service's values and deleted entities are
// detached, all in one step. On failure, including cancellation of ctx,
// nothing changes and the returned error is a *SaveFailedError.
//
// Only one save may be outstanding per manager; a concurrent call fails with
// ErrSaveInProgress. While the save is outstanding, entities of the change
// set cannot be modified, deleted or rejected.
func (m *Manager) SaveChanges(ctx context.Context) (*SaveResult, error) {
	start := time.Now()

	m.mu.Lock()
	if m.saving {
		m.mu.Unlock()
		return nil, ErrSaveInProgress
	}
	if m.saver == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no saver configured", ErrInvalidOperation)
	}
	batch := m.changesLocked()
	if len(batch) == 0 {
		m.mu.Unlock()
		return &SaveResult{}, nil
	}
	bundle, sent := m.buildBundle(batch)
	saveID, err := m.saveID(bundle)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bundle.SaveID = saveID
	m.saving = true
	for _, e := range batch {
		e.inFlight = true
	}
	m.mu.Unlock()

	m.logger.Debug("save started",
		"component", "entity",
		"action", "save_start",
		"save_id", saveID,
		"entities", len(batch),
		"sent", len(sent),
	)

	resp, err := m.submit(ctx, bundle)

	var result *SaveResult
	var saved, deleted int
	m.mu.Lock()
	m.saving = false
	for _, e := range batch {
		e.inFlight = false
	}
	if err == nil {
		m.tracker.begin()
		result, err = m.applySave(batch, sent, resp)
		if flipped, now := m.tracker.end(); flipped {
			m.enqueueLocked(now)
		}
	}
	if err == nil {
		m.saveSeq++
		// Tallied under the lock; once it is released the entities may
		// change again.
		for _, e := range sent {
			if e.state == Detached {
				deleted++
			} else {
				saved++
			}
		}
	}
	tracked := m.store.len()
	m.mu.Unlock()
	m.dispatch()

	elapsed := time.Since(start)
	if err != nil {
		m.metrics.saveFailed(elapsed)
		m.logger.Warn("save failed",
			"component", "entity",
			"action", "save_failed",
			"save_id", saveID,
			"entities", len(batch),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, &SaveFailedError{SaveID: saveID, Entities: len(batch), Cause: err}
	}

	result.SaveID = saveID
	m.metrics.saveSucceeded(elapsed, saved, deleted, tracked)
	m.logger.Info("save completed",
		"component", "entity",
		"action", "save_complete",
		"save_id", saveID,
		"saved", saved,
		"deleted", deleted,
		"key_mappings", len(result.KeyMappings),
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// submit calls the saver. A change set made only of entities that were added
// and deleted again needs no round trip.
func (m *Manager) submit(ctx context.Context, bundle *SaveBundle) (resp *SaveResponse, err error) {
	if len(bundle.Entities) == 0 {
		return &SaveResponse{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saver panicked: %v", r)
		}
	}()
	resp, err = m.saver.Submit(ctx, bundle)
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if resp == nil {
		return nil, errors.New("saver returned no response")
	}
	return resp, nil
}

// buildBundle snapshots the change set. Entities deleted before they were
// ever saved are left out.
func (m *Manager) buildBundle(batch []*Entity) (*SaveBundle, []*Entity) {
	bundle := &SaveBundle{SourceID: m.sourceID}
	var sent []*Entity
	for _, e := range batch {
		if e.state == Deleted && e.deletedFrom == Added {
			continue
		}
		be := BundleEntity{
			Ref:           e.id.String(),
			Type:          e.typ.Name,
			State:         e.state,
			KeyProperties: e.typ.Key,
			Key:           cloneKey(e.key),
			KeyKinds:      e.typ.KeyKinds(),
			TemporaryKey:  e.temporary,
			Fields:        cloneFields(e.fields),
		}
		if e.original != nil {
			be.OriginalValues = cloneFields(e.original)
		}
		for _, l := range m.metadata.LinksFrom(e.typ.Name) {
			be.ForeignKeys = append(be.ForeignKeys, ForeignKeyRef{Properties: l.ForeignKeys, TargetType: l.TargetType})
		}
		bundle.Entities = append(bundle.Entities, be)
		sent = append(sent, e)
	}
	return bundle, sent
}

// saveID derives the idempotency key of a bundle from its content, the
// manager's source id and the number of saves completed so far. Retrying a
// failed save of an unchanged change set yields the same id.
func (m *Manager) saveID(bundle *SaveBundle) (string, error) {
	entities := make([]map[string]any, len(bundle.Entities))
	for i, be := range bundle.Entities {
		entities[i] = map[string]any{
			"ref":      be.Ref,
			"state":    be.State.String(),
			"fields":   portableFields(be.Fields),
			"original": portableFields(be.OriginalValues),
		}
	}
	payload := map[string]any{
		"source":   bundle.SourceID,
		"seq":      m.saveSeq,
		"entities": entities,
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("encode save id payload: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes())), nil
}

func portableFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = portable(v)
	}
	return out
}

// applySave validates the response against the change set and applies it.
// Nothing is changed unless the whole response is usable.
func (m *Manager) applySave(batch, sent []*Entity, resp *SaveResponse) (*SaveResult, error) {
	refs := make(map[string]*Entity, len(sent))
	for _, e := range sent {
		refs[e.id.String()] = e
	}
	outcomes := make(map[string]Outcome, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		if _, ok := refs[o.Ref]; !ok {
			return nil, fmt.Errorf("outcome for unknown entity %s", o.Ref)
		}
		if _, dup := outcomes[o.Ref]; dup {
			return nil, fmt.Errorf("duplicate outcome for %s", o.Ref)
		}
		outcomes[o.Ref] = o
	}

	plan := newRemapPlan()
	plan.leaving = make(map[*Entity]bool)
	overlays := make(map[*Entity]map[string]any, len(sent))
	var mappings []KeyMapping
	for _, e := range sent {
		ref := e.id.String()
		o, ok := outcomes[ref]
		if !ok {
			return nil, fmt.Errorf("%w: no outcome for %s", ErrIncompleteKeyMapping, ref)
		}
		if e.state == Deleted {
			if o.Kind != OutcomeDeleted {
				return nil, fmt.Errorf("deleted entity %s reported as %s", ref, o.Kind)
			}
			plan.leaving[e] = true
			continue
		}
		if o.Kind != OutcomeSaved {
			return nil, fmt.Errorf("%s entity %s reported as %s", e.state, ref, o.Kind)
		}

		overlay := make(map[string]any, len(o.Fields))
		for name, raw := range o.Fields {
			p, ok := e.typ.Property(name)
			if !ok || e.typ.IsKeyProperty(name) {
				continue
			}
			v, err := normalize(p.Kind, raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", ref, name, err)
			}
			overlay[name] = v
		}
		overlays[e] = overlay

		if !e.temporary {
			continue
		}
		realKey, err := normalizeKey(e.typ, o.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIncompleteKeyMapping, ref, err)
		}
		if realKey.Equal(e.key) || isZeroKey(e.typ, realKey) {
			return nil, fmt.Errorf("%w: %s was not assigned a permanent key", ErrIncompleteKeyMapping, ref)
		}
		plan.move(e, realKey)
		mappings = append(mappings, KeyMapping{Type: e.typ.Name, TempKey: cloneKey(e.key), RealKey: realKey})
	}
	for _, e := range batch {
		if e.state == Deleted && e.deletedFrom == Added {
			plan.leaving[e] = true
		}
	}

	m.follow(plan)
	if err := plan.validate(m.store); err != nil {
		return nil, err
	}

	plan.apply(m.store)
	for _, e := range batch {
		if plan.leaving[e] {
			if err := m.detach(e); err != nil {
				return nil, err
			}
			continue
		}
		for name, v := range overlays[e] {
			e.fields[name] = v
		}
		e.original = cloneFields(e.fields)
		e.temporary = false
		if err := e.transition(Unchanged, "save"); err != nil {
			return nil, err
		}
	}
	for _, rw := range plan.rewrites {
		if err := rw.e.refreshState(); err != nil {
			return nil, err
		}
	}
	return &SaveResult{Entities: batch, KeyMappings: mappings}, nil
}

func normalizeKey(t *EntityType, raw Key) (Key, error) {
	if len(raw) != len(t.Key) {
		return nil, fmt.Errorf("key has %d parts, want %d", len(raw), len(t.Key))
	}
	k := make(Key, len(raw))
	for i, kind := range t.KeyKinds() {
		v, err := normalize(kind, raw[i])
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("key part %s is null", t.Key[i])
		}
		k[i] = v
	}
	return k, nil
}
