package schema

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindBytes
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindTime:
		return "date"
	case KindBytes:
		return "bytes"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one attribute value: a tagged union over the scalar variants
// the engine can persist, plus nested objects and arrays. The zero Value
// is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	raw  []byte
	obj  map[string]Value
	arr  []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time wraps a timestamp, normalized to UTC.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Bytes wraps a byte slice.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// Object wraps a nested attribute map.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Array wraps an ordered list of values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// StringValue returns the string payload when the value is a string.
func (v Value) StringValue() (string, bool) { return v.str, v.kind == KindString }

// NumberValue returns the numeric payload when the value is a number.
func (v Value) NumberValue() (float64, bool) { return v.num, v.kind == KindNumber }

// BoolValue returns the boolean payload when the value is a boolean.
func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }

// TimeValue returns the timestamp payload when the value is a date.
func (v Value) TimeValue() (time.Time, bool) { return v.t, v.kind == KindTime }

// BytesValue returns the byte payload when the value is bytes.
func (v Value) BytesValue() ([]byte, bool) { return v.raw, v.kind == KindBytes }

// ObjectValue returns the nested map when the value is an object.
func (v Value) ObjectValue() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// ArrayValue returns the item slice when the value is an array.
func (v Value) ArrayValue() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Equal reports deep equality. Map ordering is ignored; times compare
// with time.Time.Equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num || (math.IsNaN(v.num) && math.IsNaN(other.num))
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	case KindBytes:
		if len(v.raw) != len(other.raw) {
			return false
		}
		for i := range v.raw {
			if v.raw[i] != other.raw[i] {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for key, val := range v.obj {
			otherVal, ok := other.obj[key]
			if !ok || !val.Equal(otherVal) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface converts the value to the matching native Go type, suitable
// for encoding/json. Times stay time.Time (marshalled as RFC 3339).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindBytes:
		return v.raw
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for key, val := range v.obj {
			out[key] = val.Interface()
		}
		return out
	case KindArray:
		out := make([]any, len(v.arr))
		for i, val := range v.arr {
			out[i] = val.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface builds a Value from a native Go value, recursing into
// maps and slices. It accepts the types encoding/json produces plus the
// engine's own scalar types.
func FromInterface(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return typed, nil
	case string:
		return String(typed), nil
	case float64:
		return Number(typed), nil
	case float32:
		return Number(float64(typed)), nil
	case int:
		return Number(float64(typed)), nil
	case int32:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case bool:
		return Bool(typed), nil
	case time.Time:
		return Time(typed), nil
	case []byte:
		return Bytes(typed), nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for key, val := range typed {
			converted, err := FromInterface(val)
			if err != nil {
				return Null(), fmt.Errorf("field %q: %w", key, err)
			}
			fields[key] = converted
		}
		return Object(fields), nil
	case []any:
		items := make([]Value, len(typed))
		for i, val := range typed {
			converted, err := FromInterface(val)
			if err != nil {
				return Null(), fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = converted
		}
		return Array(items...), nil
	default:
		return Null(), fmt.Errorf("unsupported attribute type %T", raw)
	}
}
