package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldType is the declared type of a schema field.
type FieldType int

const (
	TypeString FieldType = iota
	TypeNumber
	TypeBool
	TypeDate
	TypeObject
	TypeArray
	TypeSecret
	TypeURL
	TypeEmail
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeSecret:
		return "secret"
	case TypeURL:
		return "url"
	case TypeEmail:
		return "email"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// stringLike reports whether values of the type are carried as strings.
func (t FieldType) stringLike() bool {
	switch t {
	case TypeString, TypeSecret, TypeURL, TypeEmail:
		return true
	default:
		return false
	}
}

var typeMarkers = map[string]FieldType{
	"string":  TypeString,
	"number":  TypeNumber,
	"boolean": TypeBool,
	"date":    TypeDate,
	"object":  TypeObject,
	"array":   TypeArray,
	"secret":  TypeSecret,
	"url":     TypeURL,
	"email":   TypeEmail,
}

// Field is one compiled schema field.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// Default, when non-nil, is applied by Coerce to absent fields.
	Default *Value

	// Min and Max bound numeric values.
	Min *float64
	Max *float64

	// MinLength and MaxLength bound string lengths and array sizes.
	MinLength *int
	MaxLength *int

	// Items is the element rule for array fields.
	Items *Field

	// Nested is the sub-schema for object fields.
	Nested *Schema
}

// Secret reports whether the field is encrypted at rest.
func (f *Field) Secret() bool { return f.Type == TypeSecret }

// Attributes declares a schema: field name to either a rule string
// ("string|required|minlength:2") or a nested Attributes map for object
// fields. The shape matches the manifest's JSON representation, so a
// declaration round-trips through the manifest unchanged.
type Attributes map[string]any

// Schema is a compiled, immutable schema version.
type Schema struct {
	version string
	fields  []*Field
	byName  map[string]*Field
	decl    Attributes
}

// Compile parses a declaration into a Schema. The returned schema carries
// no version; VersionSet assigns one.
func Compile(attrs Attributes) (*Schema, error) {
	s := &Schema{
		fields: make([]*Field, 0, len(attrs)),
		byName: make(map[string]*Field, len(attrs)),
		decl:   attrs,
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	// The store lowercases metadata keys, so names must stay unique
	// after folding.
	lower := make(map[string]string, len(names))

	for _, name := range names {
		field, err := compileField(name, attrs[name])
		if err != nil {
			return nil, err
		}
		folded := strings.ToLower(name)
		if clash, ok := lower[folded]; ok {
			return nil, fmt.Errorf("schema fields %q and %q collide when lowercased", clash, name)
		}
		lower[folded] = name
		s.fields = append(s.fields, field)
		s.byName[name] = field
	}
	return s, nil
}

// MustCompile is Compile for declarations known good at build time.
func MustCompile(attrs Attributes) *Schema {
	s, err := Compile(attrs)
	if err != nil {
		panic(err)
	}
	return s
}

// Version returns the version tag ("v0", "v1", ...), or "" before the
// schema joins a VersionSet.
func (s *Schema) Version() string { return s.version }

// Fields returns the compiled fields in lexicographic name order.
func (s *Schema) Fields() []*Field { return s.fields }

// Field looks up a field by name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Declaration returns the original attribute declaration, as persisted in
// the manifest.
func (s *Schema) Declaration() Attributes { return s.decl }

// SecretFields returns the names of fields encrypted at rest, in
// lexicographic order.
func (s *Schema) SecretFields() []string {
	var names []string
	for _, f := range s.fields {
		if f.Secret() {
			names = append(names, f.Name)
		}
	}
	return names
}

// fieldNamePattern keeps names usable as metadata keys and partition
// path segments. Underscore-led names are reserved for the engine.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func compileField(name string, decl any) (*Field, error) {
	if name == "" {
		return nil, fmt.Errorf("schema field with empty name")
	}
	if strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("schema field %q: names starting with underscore are reserved", name)
	}
	if !fieldNamePattern.MatchString(name) {
		return nil, fmt.Errorf("schema field %q: names must match %s", name, fieldNamePattern)
	}

	switch typed := decl.(type) {
	case string:
		return parseRules(name, typed)
	case Attributes:
		return compileObjectField(name, typed)
	case map[string]any:
		return compileObjectField(name, Attributes(typed))
	default:
		return nil, fmt.Errorf("schema field %q: declaration must be a rule string or a nested map, got %T", name, decl)
	}
}

func compileObjectField(name string, nested Attributes) (*Field, error) {
	sub, err := Compile(nested)
	if err != nil {
		return nil, fmt.Errorf("schema field %q: %w", name, err)
	}
	for _, f := range sub.fields {
		if f.Secret() || (f.Items != nil && f.Items.Secret()) {
			return nil, fmt.Errorf("schema field %q.%s: secret fields must be declared at the top level", name, f.Name)
		}
	}
	return &Field{Name: name, Type: TypeObject, Nested: sub}, nil
}

// parseRules compiles a pipe-separated rule string. Everything after an
// "items:" token, pipes included, belongs to the array element rule, so
// "array|items:string|minlength:2" reads as items "string|minlength:2".
func parseRules(name, ruleset string) (*Field, error) {
	tokens, itemsRule := splitRules(ruleset)

	field := &Field{Name: name, Type: TypeString}
	typeSet := false
	optional := false
	defaultLiteral := ""
	hasDefault := false

	for _, token := range tokens {
		if fieldType, ok := typeMarkers[token]; ok {
			if typeSet && fieldType != field.Type {
				return nil, fmt.Errorf("schema field %q: conflicting type markers %q and %q", name, field.Type, fieldType)
			}
			field.Type = fieldType
			typeSet = true
			continue
		}

		key, arg, hasArg := strings.Cut(token, ":")
		switch key {
		case "required":
			field.Required = true
		case "optional":
			optional = true
		case "default":
			if !hasArg {
				return nil, fmt.Errorf("schema field %q: default needs a literal", name)
			}
			defaultLiteral = arg
			hasDefault = true
		case "items":
			return nil, fmt.Errorf("schema field %q: items needs an element rule", name)
		case "min":
			v, err := parseNumberArg(name, key, arg, hasArg)
			if err != nil {
				return nil, err
			}
			field.Min = &v
		case "max":
			v, err := parseNumberArg(name, key, arg, hasArg)
			if err != nil {
				return nil, err
			}
			field.Max = &v
		case "minlength":
			v, err := parseIntArg(name, key, arg, hasArg)
			if err != nil {
				return nil, err
			}
			field.MinLength = &v
		case "maxlength":
			v, err := parseIntArg(name, key, arg, hasArg)
			if err != nil {
				return nil, err
			}
			field.MaxLength = &v
		default:
			return nil, fmt.Errorf("schema field %q: unknown rule %q", name, token)
		}
	}

	if itemsRule != "" {
		items, err := parseRules(name+"[]", itemsRule)
		if err != nil {
			return nil, err
		}
		field.Items = items
	}

	if field.Required && optional {
		return nil, fmt.Errorf("schema field %q: required and optional are mutually exclusive", name)
	}
	if field.Items != nil && field.Type != TypeArray {
		return nil, fmt.Errorf("schema field %q: items applies to array fields only", name)
	}
	if field.Items != nil && field.Items.Secret() {
		return nil, fmt.Errorf("schema field %q: array elements cannot be secret", name)
	}
	if field.Type == TypeArray && field.Items == nil {
		field.Items = &Field{Name: name + "[]", Type: TypeString}
	}
	if field.Type == TypeObject {
		return nil, fmt.Errorf("schema field %q: object fields are declared with a nested map", name)
	}

	if hasDefault {
		def, err := parseDefaultLiteral(field, defaultLiteral)
		if err != nil {
			return nil, err
		}
		field.Default = &def
	}
	return field, nil
}

// splitRules tokenizes a ruleset on pipes, stopping at "items:" whose
// argument swallows the remainder of the string.
func splitRules(ruleset string) (tokens []string, itemsRule string) {
	rest := ruleset
	for rest != "" {
		var token string
		if idx := strings.Index(rest, "|"); idx >= 0 {
			token, rest = rest[:idx], rest[idx+1:]
		} else {
			token, rest = rest, ""
		}
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if inner, ok := strings.CutPrefix(token, "items:"); ok {
			if inner == "" && rest == "" {
				// Malformed; let parseRules report it.
				tokens = append(tokens, token)
				continue
			}
			if rest != "" {
				inner = inner + "|" + rest
			}
			return tokens, inner
		}
		tokens = append(tokens, token)
	}
	return tokens, ""
}

func parseNumberArg(field, rule, arg string, hasArg bool) (float64, error) {
	if !hasArg {
		return 0, fmt.Errorf("schema field %q: %s needs a numeric argument", field, rule)
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("schema field %q: %s: %w", field, rule, err)
	}
	return v, nil
}

func parseIntArg(field, rule, arg string, hasArg bool) (int, error) {
	if !hasArg {
		return 0, fmt.Errorf("schema field %q: %s needs an integer argument", field, rule)
	}
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("schema field %q: %s: %w", field, rule, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("schema field %q: %s must not be negative", field, rule)
	}
	return v, nil
}

// parseDefaultLiteral converts the default literal to the field's type.
func parseDefaultLiteral(field *Field, literal string) (Value, error) {
	switch field.Type {
	case TypeString, TypeSecret, TypeURL, TypeEmail:
		return String(literal), nil
	case TypeNumber:
		v, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return Null(), fmt.Errorf("schema field %q: default %q is not a number", field.Name, literal)
		}
		return Number(v), nil
	case TypeBool:
		v, err := strconv.ParseBool(literal)
		if err != nil {
			return Null(), fmt.Errorf("schema field %q: default %q is not a boolean", field.Name, literal)
		}
		return Bool(v), nil
	case TypeDate:
		t, err := time.Parse(time.RFC3339, literal)
		if err != nil {
			return Null(), fmt.Errorf("schema field %q: default %q is not an RFC 3339 date", field.Name, literal)
		}
		return Time(t), nil
	default:
		return Null(), fmt.Errorf("schema field %q: defaults are not supported for %s fields", field.Name, field.Type)
	}
}
