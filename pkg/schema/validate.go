package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"sort"

	"github.com/platinummonkey/pannier/pkg/errs"
)

// Validate checks a record against the schema and returns the ValidRecord
// carrier on success. Validation expects Coerce to have run already, so
// type mismatches are hard failures, not conversion opportunities. All
// field violations are collected into one ValidationError.
func (s *Schema) Validate(resource string, rec Record) (ValidRecord, error) {
	var fieldErrors []errs.FieldError

	// Unknown attributes are rejected; the schema is the contract.
	names := make([]string, 0, len(rec.Attributes))
	for name := range rec.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s.byName[name]; !ok {
			fieldErrors = append(fieldErrors, errs.FieldError{
				Field:    name,
				Message:  "is not declared in the schema",
				Expected: "a declared attribute",
				Actual:   name,
			})
		}
	}

	for _, field := range s.fields {
		value, present := rec.Attributes[field.Name]
		if !present || value.IsNull() {
			if field.Required {
				fieldErrors = append(fieldErrors, errs.FieldError{
					Field:    field.Name,
					Message:  "is required",
					Expected: field.Type.String(),
					Actual:   "absent",
				})
			}
			continue
		}
		fieldErrors = append(fieldErrors, validateValue(field, field.Name, value)...)
	}

	if len(fieldErrors) > 0 {
		return ValidRecord{}, &errs.ValidationError{Resource: resource, Fields: fieldErrors}
	}
	return ValidRecord{record: rec, schema: s}, nil
}

func validateValue(field *Field, path string, value Value) []errs.FieldError {
	switch field.Type {
	case TypeString, TypeSecret:
		return validateString(field, path, value)
	case TypeURL:
		return validateURL(field, path, value)
	case TypeEmail:
		return validateEmail(field, path, value)
	case TypeNumber:
		return validateNumber(field, path, value)
	case TypeBool:
		if value.Kind() != KindBool {
			return []errs.FieldError{typeMismatch(path, field.Type, value)}
		}
		return nil
	case TypeDate:
		if value.Kind() != KindTime {
			return []errs.FieldError{typeMismatch(path, field.Type, value)}
		}
		return nil
	case TypeObject:
		return validateObject(field, path, value)
	case TypeArray:
		return validateArray(field, path, value)
	default:
		return []errs.FieldError{{
			Field:   path,
			Message: fmt.Sprintf("has unsupported type %s", field.Type),
		}}
	}
}

func validateString(field *Field, path string, value Value) []errs.FieldError {
	str, ok := value.StringValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}
	return checkLength(field, path, len(str), "characters")
}

func validateURL(field *Field, path string, value Value) []errs.FieldError {
	str, ok := value.StringValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}
	parsed, err := url.Parse(str)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return []errs.FieldError{{
			Field:    path,
			Message:  "is not a valid URL",
			Expected: "an absolute URL",
			Actual:   str,
		}}
	}
	return checkLength(field, path, len(str), "characters")
}

func validateEmail(field *Field, path string, value Value) []errs.FieldError {
	str, ok := value.StringValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}
	if _, err := mail.ParseAddress(str); err != nil {
		return []errs.FieldError{{
			Field:    path,
			Message:  "is not a valid email address",
			Expected: "an RFC 5322 address",
			Actual:   str,
		}}
	}
	return checkLength(field, path, len(str), "characters")
}

func validateNumber(field *Field, path string, value Value) []errs.FieldError {
	num, ok := value.NumberValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}
	var out []errs.FieldError
	if field.Min != nil && num < *field.Min {
		out = append(out, errs.FieldError{
			Field:    path,
			Message:  "is below the minimum",
			Expected: fmt.Sprintf(">= %v", *field.Min),
			Actual:   fmt.Sprintf("%v", num),
		})
	}
	if field.Max != nil && num > *field.Max {
		out = append(out, errs.FieldError{
			Field:    path,
			Message:  "is above the maximum",
			Expected: fmt.Sprintf("<= %v", *field.Max),
			Actual:   fmt.Sprintf("%v", num),
		})
	}
	return out
}

func validateObject(field *Field, path string, value Value) []errs.FieldError {
	obj, ok := value.ObjectValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}

	var out []errs.FieldError

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, declared := field.Nested.byName[name]; !declared {
			out = append(out, errs.FieldError{
				Field:    path + "." + name,
				Message:  "is not declared in the schema",
				Expected: "a declared attribute",
				Actual:   name,
			})
		}
	}

	for _, nested := range field.Nested.fields {
		value, present := obj[nested.Name]
		nestedPath := path + "." + nested.Name
		if !present || value.IsNull() {
			if nested.Required {
				out = append(out, errs.FieldError{
					Field:    nestedPath,
					Message:  "is required",
					Expected: nested.Type.String(),
					Actual:   "absent",
				})
			}
			continue
		}
		out = append(out, validateValue(nested, nestedPath, value)...)
	}
	return out
}

func validateArray(field *Field, path string, value Value) []errs.FieldError {
	items, ok := value.ArrayValue()
	if !ok {
		return []errs.FieldError{typeMismatch(path, field.Type, value)}
	}

	out := checkLength(field, path, len(items), "items")
	for i, item := range items {
		out = append(out, validateValue(field.Items, fmt.Sprintf("%s[%d]", path, i), item)...)
	}
	return out
}

func checkLength(field *Field, path string, length int, unit string) []errs.FieldError {
	var out []errs.FieldError
	if field.MinLength != nil && length < *field.MinLength {
		out = append(out, errs.FieldError{
			Field:    path,
			Message:  "is too short",
			Expected: fmt.Sprintf(">= %d %s", *field.MinLength, unit),
			Actual:   fmt.Sprintf("%d %s", length, unit),
		})
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		out = append(out, errs.FieldError{
			Field:    path,
			Message:  "is too long",
			Expected: fmt.Sprintf("<= %d %s", *field.MaxLength, unit),
			Actual:   fmt.Sprintf("%d %s", length, unit),
		})
	}
	return out
}

func typeMismatch(path string, want FieldType, got Value) errs.FieldError {
	return errs.FieldError{
		Field:    path,
		Message:  "has the wrong type",
		Expected: want.String(),
		Actual:   got.Kind().String(),
	}
}
