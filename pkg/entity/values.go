package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the value type of a property.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindUUID
	KindTime
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindUUID:   "uuid",
	KindTime:   "time",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Zero returns the zero sentinel for the kind.
func (k Kind) Zero() any {
	switch k {
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindBool:
		return false
	case KindUUID:
		return uuid.Nil
	case KindTime:
		return time.Time{}
	default:
		return ""
	}
}

// normalize converts v into the canonical Go type for the kind:
// int64, float64, string, bool, uuid.UUID or time.Time. nil stays nil.
func normalize(kind Kind, v any) (any, error) {
	out, err := convert(kind, v)
	if err != nil && !errors.Is(err, ErrInvalidValue) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return out, err
}

func convert(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindInt:
		return toInt64(v)
	case KindFloat:
		return toFloat64(v)
	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case [16]byte:
			return uuid.UUID(u), nil
		case []byte:
			if len(u) == 16 {
				return uuid.FromBytes(u)
			}
			return uuid.ParseBytes(u)
		case string:
			return uuid.Parse(u)
		}
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, err
			}
			return parsed.UTC(), nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not a %s", ErrInvalidValue, v, kind)
}

func toInt64(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), nil
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int64(n), nil
		}
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return nil, fmt.Errorf("%w: %v (%T) is not an int", ErrInvalidValue, v, v)
}

func toFloat64(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (%T) is not a float", ErrInvalidValue, v, v)
	}
	return float64(i.(int64)), nil
}

// valuesEqual compares two normalized values.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && string(ba) == string(bb)
	}
	return a == b
}

// formatValue renders a normalized value for identity strings.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case uuid.UUID:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// portable converts a normalized value to a transport-neutral form:
// UUIDs become strings, times become RFC 3339 strings.
func portable(v any) any {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func cloneKey(k Key) Key {
	out := make(Key, len(k))
	copy(out, k)
	return out
}
