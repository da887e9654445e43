package schema

import (
	"strconv"
	"time"
)

// Coerce applies defaults and safe type conversions ahead of validation
// and returns a new record; the input is never mutated. Conversions that
// fail leave the original value in place for Validate to report.
func (s *Schema) Coerce(rec Record) Record {
	out := rec.Clone()
	if out.Attributes == nil {
		out.Attributes = make(map[string]Value, len(s.fields))
	}

	for _, field := range s.fields {
		value, present := out.Attributes[field.Name]
		if !present || value.IsNull() {
			if field.Default != nil {
				out.Attributes[field.Name] = *field.Default
			}
			continue
		}
		out.Attributes[field.Name] = coerceValue(field, value)
	}
	return out
}

func coerceValue(field *Field, value Value) Value {
	switch field.Type {
	case TypeString, TypeSecret, TypeURL, TypeEmail:
		return coerceString(value)
	case TypeNumber:
		return coerceNumber(value)
	case TypeBool:
		return coerceBool(value)
	case TypeDate:
		return coerceDate(value)
	case TypeObject:
		return coerceObject(field, value)
	case TypeArray:
		return coerceArray(field, value)
	default:
		return value
	}
}

func coerceString(value Value) Value {
	switch value.Kind() {
	case KindNumber:
		num, _ := value.NumberValue()
		return String(strconv.FormatFloat(num, 'f', -1, 64))
	case KindBool:
		b, _ := value.BoolValue()
		return String(strconv.FormatBool(b))
	default:
		return value
	}
}

func coerceNumber(value Value) Value {
	if str, ok := value.StringValue(); ok {
		if num, err := strconv.ParseFloat(str, 64); err == nil {
			return Number(num)
		}
	}
	return value
}

func coerceBool(value Value) Value {
	if str, ok := value.StringValue(); ok {
		if b, err := strconv.ParseBool(str); err == nil {
			return Bool(b)
		}
	}
	return value
}

func coerceDate(value Value) Value {
	if str, ok := value.StringValue(); ok {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return Time(t)
		}
	}
	return value
}

func coerceObject(field *Field, value Value) Value {
	obj, ok := value.ObjectValue()
	if !ok {
		return value
	}
	out := make(map[string]Value, len(obj))
	for key, val := range obj {
		out[key] = val
	}
	for _, nested := range field.Nested.fields {
		val, present := out[nested.Name]
		if !present || val.IsNull() {
			if nested.Default != nil {
				out[nested.Name] = *nested.Default
			}
			continue
		}
		out[nested.Name] = coerceValue(nested, val)
	}
	return Object(out)
}

func coerceArray(field *Field, value Value) Value {
	items, ok := value.ArrayValue()
	if !ok {
		return value
	}
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = coerceValue(field.Items, item)
	}
	return Array(out...)
}
