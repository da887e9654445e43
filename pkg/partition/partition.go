package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Field types a partition can index on.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// Partition declares a secondary index over record fields. Field order is
// significant: pointer keys nest fields in declaration order, so prefix
// listings group records by their leading fields.
type Partition struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field names one indexed record field and the value type its key segment
// encodes.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validate checks one partition declaration against the schema it indexes.
// Secret, object and array fields are not partitionable: secrets would leak
// plaintext into keys, and composite values have no stable segment encoding.
func Validate(p Partition, s *schema.Schema) error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("partition name %q is invalid", p.Name)
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("partition %q declares no fields", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Fields))
	for _, f := range p.Fields {
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("partition %q declares field %q twice", p.Name, f.Name)
		}
		seen[f.Name] = struct{}{}

		declared, ok := s.Field(f.Name)
		if !ok {
			return fmt.Errorf("partition %q indexes undeclared field %q", p.Name, f.Name)
		}
		if !compatible(declared.Type, f.Type) {
			return fmt.Errorf("partition %q field %q: schema type %s cannot back partition type %q",
				p.Name, f.Name, declared.Type, f.Type)
		}
	}
	return nil
}

// ValidateAll checks every declaration and rejects duplicate partition names.
func ValidateAll(parts []Partition, s *schema.Schema) error {
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("partition %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		if err := Validate(p, s); err != nil {
			return err
		}
	}
	return nil
}

func compatible(declared schema.FieldType, partitionType string) bool {
	switch partitionType {
	case TypeString:
		return declared == schema.TypeString || declared == schema.TypeURL || declared == schema.TypeEmail
	case TypeNumber:
		return declared == schema.TypeNumber
	case TypeBoolean:
		return declared == schema.TypeBool
	case TypeDate:
		return declared == schema.TypeDate
	default:
		return false
	}
}

// Find returns the named partition from a declaration set.
func Find(parts []Partition, name string) (Partition, bool) {
	for _, p := range parts {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

// PointerKey derives the pointer object key for a record under one
// partition. The same record values always produce the same key, and an
// absent or null field encodes as an empty segment value.
func PointerKey(resource string, p Partition, id string, rec schema.Record) (string, error) {
	var sb strings.Builder
	sb.WriteString(layout.PartitionPrefix(resource, p.Name))
	for _, f := range p.Fields {
		encoded, err := encodeValue(f, rec.Get(f.Name))
		if err != nil {
			return "", fmt.Errorf("partition %q: %w", p.Name, err)
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(layout.Escape(encoded))
		sb.WriteByte('/')
	}
	sb.WriteString("id=")
	sb.WriteString(layout.Escape(id))
	return sb.String(), nil
}

// PointerKeys derives one pointer key per partition, in declaration order.
func PointerKeys(resource string, parts []Partition, id string, rec schema.Record) ([]string, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		key, err := PointerKey(resource, p, id, rec)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// selectorPrefix turns an equality selector into a listing prefix. Bound
// fields must form a prefix of the partition's declared field order; the
// remaining unbound fields widen the listing.
func selectorPrefix(resource string, p Partition, selector map[string]schema.Value) (string, error) {
	declared := make(map[string]struct{}, len(p.Fields))
	for _, f := range p.Fields {
		declared[f.Name] = struct{}{}
	}
	for name := range selector {
		if _, ok := declared[name]; !ok {
			return "", &errs.ValidationError{Resource: resource, Fields: []errs.FieldError{{
				Field:   name,
				Message: fmt.Sprintf("is not a field of partition %q", p.Name),
			}}}
		}
	}

	var sb strings.Builder
	sb.WriteString(layout.PartitionPrefix(resource, p.Name))
	bound := 0
	for i, f := range p.Fields {
		value, ok := selector[f.Name]
		if !ok {
			break
		}
		encoded, err := encodeValue(f, value)
		if err != nil {
			return "", &errs.ValidationError{Resource: resource, Fields: []errs.FieldError{{
				Field:    f.Name,
				Message:  err.Error(),
				Expected: f.Type,
			}}}
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(layout.Escape(encoded))
		sb.WriteByte('/')
		bound = i + 1
	}
	if bound < len(selector) {
		unbound := p.Fields[bound].Name
		for name := range selector {
			if fieldPosition(p, name) > bound {
				return "", &errs.ValidationError{Resource: resource, Fields: []errs.FieldError{{
					Field:   name,
					Message: fmt.Sprintf("cannot be bound while %q is unbound", unbound),
				}}}
			}
		}
	}
	return sb.String(), nil
}

func fieldPosition(p Partition, name string) int {
	for i, f := range p.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func encodeValue(f Field, v schema.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	switch f.Type {
	case TypeString:
		s, ok := v.StringValue()
		if !ok {
			return "", mismatch(f, v)
		}
		return s, nil
	case TypeNumber:
		n, ok := v.NumberValue()
		if !ok {
			return "", mismatch(f, v)
		}
		return strconv.FormatFloat(n, 'g', -1, 64), nil
	case TypeBoolean:
		b, ok := v.BoolValue()
		if !ok {
			return "", mismatch(f, v)
		}
		return strconv.FormatBool(b), nil
	case TypeDate:
		t, ok := v.TimeValue()
		if !ok {
			return "", mismatch(f, v)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("field %q has unknown partition type %q", f.Name, f.Type)
	}
}

func mismatch(f Field, v schema.Value) error {
	return fmt.Errorf("field %q holds %s, partition expects %s", f.Name, v.Kind(), f.Type)
}
