package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

// plannedEntity is one payload with its permanent key and rewritten fields.
type plannedEntity struct {
	payload *cachesync.EntityPayload
	key     []any
	encoded string
	lookup  string
	fields  map[string]any
}

// ApplySave applies a save in one transaction. Temporary keys are replaced
// by generated ones and foreign keys referring to them are rewritten before
// any row is touched. Deletes run before updates and updates before
// inserts. Updating or deleting a missing row fails with ErrNotFound,
// inserting over an existing key with ErrDuplicateKey; either aborts the
// whole save.
func (s *SQLiteStore) ApplySave(ctx context.Context, req *cachesync.SaveRequest) (*cachesync.SaveResponse, error) {
	start := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	plan, mappings, err := planSave(ctx, tx, req.Entities)
	if err != nil {
		return nil, err
	}

	outcomes := make([]cachesync.Outcome, len(plan))
	var inserted, updated, deleted int
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, op := range []string{cachesync.OperationDelete, cachesync.OperationUpdate, cachesync.OperationInsert} {
		for i := range plan {
			p := &plan[i]
			if p.payload.Operation != op {
				continue
			}
			var outcome cachesync.Outcome
			switch op {
			case cachesync.OperationDelete:
				outcome, err = deleteEntity(ctx, tx, p)
				deleted++
			case cachesync.OperationUpdate:
				outcome, err = updateEntity(ctx, tx, p, now)
				updated++
			case cachesync.OperationInsert:
				outcome, err = insertEntity(ctx, tx, p, now)
				inserted++
			}
			if err != nil {
				return nil, err
			}
			outcome.Ref = p.payload.Ref
			outcomes[i] = outcome
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO save_log (save_id, source_id, inserted, updated, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.SaveID, req.SourceID, inserted, updated, deleted, now); err != nil {
		return nil, fmt.Errorf("append save log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, cachesync.SyncMetaLastSaveID, req.SaveID); err != nil {
		return nil, fmt.Errorf("set last save id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("save applied",
		"component", "store",
		"action", "apply_save",
		"store_id", s.storeID,
		"save_id", req.SaveID,
		"inserted", inserted,
		"updated", updated,
		"deleted", deleted,
		"generated_keys", len(mappings),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &cachesync.SaveResponse{
		SaveID:      req.SaveID,
		Outcomes:    outcomes,
		KeyMappings: mappings,
	}, nil
}

// planSave generates permanent keys and rewrites every foreign key and
// key part that refers to a temporary key of the same save.
func planSave(ctx context.Context, tx *sql.Tx, payloads []cachesync.EntityPayload) ([]plannedEntity, []cachesync.KeyMapping, error) {
	temps := make(map[string][]any)
	var mappings []cachesync.KeyMapping

	for i := range payloads {
		p := &payloads[i]
		if !p.TemporaryKey {
			continue
		}
		if p.Operation != cachesync.OperationInsert {
			return nil, nil, fmt.Errorf("%w: %s %s has a temporary key", ErrInvalidPayload, p.Operation, p.Ref)
		}
		tempEnc, err := encodeKey(p.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p.Ref, err)
		}
		permanent, err := allocateKey(ctx, tx, p.Type, p.KeyKinds)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p.Ref, err)
		}
		temps[p.Type+tempEnc] = permanent
		tempKey, _ := canonicalKey(p.Key)
		mappings = append(mappings, cachesync.KeyMapping{Type: p.Type, TempKey: tempKey, RealKey: permanent})
	}

	plan := make([]plannedEntity, len(payloads))
	for i := range payloads {
		p := &payloads[i]
		if len(p.KeyProperties) != len(p.Key) {
			return nil, nil, fmt.Errorf("%w: %s key has %d parts for %d properties", ErrInvalidPayload, p.Ref, len(p.Key), len(p.KeyProperties))
		}

		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		for _, fk := range p.ForeignKeys {
			rewriteForeignKey(fields, fk, temps)
		}

		var key []any
		if p.TemporaryKey {
			tempEnc, _ := encodeKey(p.Key)
			key = temps[p.Type+tempEnc]
		} else {
			key = make([]any, len(p.Key))
			copy(key, p.Key)
			for j, prop := range p.KeyProperties {
				if v, ok := fields[prop]; ok && v != nil {
					key[j] = v
				}
			}
		}
		key, err := canonicalKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p.Ref, err)
		}
		for j, prop := range p.KeyProperties {
			fields[prop] = key[j]
		}

		encoded, _ := encodeKey(key)
		lookup := encoded
		if len(p.OriginalKey) > 0 {
			if lookup, err = encodeKey(p.OriginalKey); err != nil {
				return nil, nil, fmt.Errorf("%s original key: %w", p.Ref, err)
			}
		}

		plan[i] = plannedEntity{payload: p, key: key, encoded: encoded, lookup: lookup, fields: fields}
	}
	return plan, mappings, nil
}

func rewriteForeignKey(fields map[string]any, fk cachesync.ForeignKeyRef, temps map[string][]any) {
	vals := make([]any, len(fk.Properties))
	for i, prop := range fk.Properties {
		v, ok := fields[prop]
		if !ok || v == nil {
			return
		}
		vals[i] = v
	}
	enc, err := encodeKey(vals)
	if err != nil {
		return
	}
	permanent, ok := temps[fk.TargetType+enc]
	if !ok {
		return
	}
	for i, prop := range fk.Properties {
		fields[prop] = permanent[i]
	}
}

func entityExists(ctx context.Context, tx *sql.Tx, typeName, encoded string) (int64, bool, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		SELECT version FROM entities WHERE type_name = ? AND entity_key = ?
	`, typeName, encoded).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup entity: %w", err)
	}
	return version, true, nil
}

func deleteEntity(ctx context.Context, tx *sql.Tx, p *plannedEntity) (cachesync.Outcome, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM entities WHERE type_name = ? AND entity_key = ?
	`, p.payload.Type, p.lookup)
	if err != nil {
		return cachesync.Outcome{}, fmt.Errorf("delete entity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return cachesync.Outcome{}, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return cachesync.Outcome{}, fmt.Errorf("delete %s%s: %w", p.payload.Type, p.lookup, ErrNotFound)
	}
	key, _ := decodeKey(p.lookup)
	return cachesync.Outcome{Kind: cachesync.OutcomeDeleted, Key: key}, nil
}

func updateEntity(ctx context.Context, tx *sql.Tx, p *plannedEntity, now string) (cachesync.Outcome, error) {
	typeName := p.payload.Type
	version, ok, err := entityExists(ctx, tx, typeName, p.lookup)
	if err != nil {
		return cachesync.Outcome{}, err
	}
	if !ok {
		return cachesync.Outcome{}, fmt.Errorf("update %s%s: %w", typeName, p.lookup, ErrNotFound)
	}
	if p.encoded != p.lookup {
		if _, taken, err := entityExists(ctx, tx, typeName, p.encoded); err != nil {
			return cachesync.Outcome{}, err
		} else if taken {
			return cachesync.Outcome{}, fmt.Errorf("re-key %s%s to %s: %w", typeName, p.lookup, p.encoded, ErrDuplicateKey)
		}
	}

	fieldsJSON, err := json.Marshal(p.fields)
	if err != nil {
		return cachesync.Outcome{}, fmt.Errorf("%w: marshal fields of %s: %v", ErrInvalidPayload, p.payload.Ref, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET entity_key = ?, fields = ?, version = version + 1, updated_at = ?
		WHERE type_name = ? AND entity_key = ?
	`, p.encoded, string(fieldsJSON), now, typeName, p.lookup); err != nil {
		return cachesync.Outcome{}, fmt.Errorf("update entity: %w", err)
	}
	return cachesync.Outcome{Kind: cachesync.OutcomeSaved, Key: p.key, Fields: p.fields, Version: version + 1}, nil
}

func insertEntity(ctx context.Context, tx *sql.Tx, p *plannedEntity, now string) (cachesync.Outcome, error) {
	typeName := p.payload.Type
	if _, taken, err := entityExists(ctx, tx, typeName, p.encoded); err != nil {
		return cachesync.Outcome{}, err
	} else if taken {
		return cachesync.Outcome{}, fmt.Errorf("insert %s%s: %w", typeName, p.encoded, ErrDuplicateKey)
	}

	fieldsJSON, err := json.Marshal(p.fields)
	if err != nil {
		return cachesync.Outcome{}, fmt.Errorf("%w: marshal fields of %s: %v", ErrInvalidPayload, p.payload.Ref, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (type_name, entity_key, fields, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, typeName, p.encoded, string(fieldsJSON), now, now); err != nil {
		return cachesync.Outcome{}, fmt.Errorf("insert entity: %w", err)
	}

	if !p.payload.TemporaryKey && len(p.key) == 1 && len(p.payload.KeyKinds) == 1 && p.payload.KeyKinds[0] == KindInt {
		if n, ok := p.key[0].(int64); ok {
			if err := bumpSequence(ctx, tx, typeName, n); err != nil {
				return cachesync.Outcome{}, err
			}
		}
	}
	return cachesync.Outcome{Kind: cachesync.OutcomeSaved, Key: p.key, Fields: p.fields, Version: 1}, nil
}
