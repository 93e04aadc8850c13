package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Key kinds as sent by clients.
const (
	KindInt    = "int"
	KindString = "string"
	KindUUID   = "uuid"
)

// canonicalValue maps a decoded key value onto a stable form so that the
// same key encodes identically whether it arrived as JSON or as Go values.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case float32:
		return canonicalValue(float64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uuid.UUID:
		return x.String()
	default:
		return v
	}
}

func canonicalKey(key []any) ([]any, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	out := make([]any, len(key))
	for i, v := range key {
		if v == nil {
			return nil, fmt.Errorf("%w: key part %d is null", ErrInvalidKey, i)
		}
		out[i] = canonicalValue(v)
	}
	return out, nil
}

// encodeKey renders a key as the JSON array stored in entities.entity_key.
func encodeKey(key []any) (string, error) {
	vals, err := canonicalKey(key)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return string(b), nil
}

func decodeKey(s string) ([]any, error) {
	var vals []any
	if err := unmarshalNumbers([]byte(s), &vals); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}
	return canonicalKey(vals)
}

// unmarshalNumbers is json.Unmarshal with numbers kept as json.Number, so
// integers beyond 2^53 survive.
func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// allocateKey assigns a permanent key for an entity sent with a temporary
// one. Only single-part keys can be generated.
func allocateKey(ctx context.Context, tx *sql.Tx, typeName string, kinds []string) ([]any, error) {
	if len(kinds) != 1 {
		return nil, fmt.Errorf("%w: cannot generate a %d-part key for %s", ErrInvalidKey, len(kinds), typeName)
	}
	switch kinds[0] {
	case KindInt:
		n, err := nextSequence(ctx, tx, typeName)
		if err != nil {
			return nil, err
		}
		return []any{n}, nil
	case KindString:
		return []any{ulid.Make().String()}, nil
	case KindUUID:
		return []any{uuid.NewString()}, nil
	default:
		return nil, fmt.Errorf("%w: cannot generate %s keys for %s", ErrInvalidKey, kinds[0], typeName)
	}
}

func nextSequence(ctx context.Context, tx *sql.Tx, typeName string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO key_sequences (type_name, next_value) VALUES (?, 1)
		ON CONFLICT(type_name) DO NOTHING
	`, typeName); err != nil {
		return 0, fmt.Errorf("init key sequence: %w", err)
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_value FROM key_sequences WHERE type_name = ?
	`, typeName).Scan(&n); err != nil {
		return 0, fmt.Errorf("read key sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE key_sequences SET next_value = ? WHERE type_name = ?
	`, n+1, typeName); err != nil {
		return 0, fmt.Errorf("advance key sequence: %w", err)
	}
	return n, nil
}

// bumpSequence keeps generated keys above an explicitly inserted one.
func bumpSequence(ctx context.Context, tx *sql.Tx, typeName string, used int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO key_sequences (type_name, next_value) VALUES (?, ?)
		ON CONFLICT(type_name) DO UPDATE SET next_value = MAX(next_value, excluded.next_value)
	`, typeName, used+1)
	if err != nil {
		return fmt.Errorf("bump key sequence: %w", err)
	}
	return nil
}
