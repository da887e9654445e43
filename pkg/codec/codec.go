package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Engine-owned metadata keys. Attribute names may not start with an
// underscore, so these never collide with user attributes.
const (
	metaVersion = "_v"
	metaCreated = "_ca"
	metaUpdated = "_ua"
)

// Options tunes a Codec. Zero values select the defaults.
type Options struct {
	// EncryptionKey is the database master key for secret fields. Leaving
	// it empty makes encoding a record with secret fields an error.
	EncryptionKey string

	// MetadataBudget caps the encoded user-attribute bytes placed in
	// object metadata (keys plus values; the engine's own entries are not
	// counted). Default 1900, leaving headroom under the store's 2 KiB
	// metadata limit.
	MetadataBudget int

	// CompressionThreshold is the body size above which the gzip envelope
	// is applied. Default 10 KiB.
	CompressionThreshold int
}

// Codec converts records to and from their stored form: tagged metadata
// entries, JSON bodies, secret-field encryption, and body compression.
type Codec struct {
	key       []byte
	budget    int
	threshold int
}

// New builds a Codec from options.
func New(opts Options) *Codec {
	budget := opts.MetadataBudget
	if budget <= 0 {
		budget = 1900
	}
	threshold := opts.CompressionThreshold
	if threshold <= 0 {
		threshold = 10 << 10
	}
	var key []byte
	if opts.EncryptionKey != "" {
		key = []byte(opts.EncryptionKey)
	}
	return &Codec{key: key, budget: budget, threshold: threshold}
}

// Encoded is the stored form of a record.
type Encoded struct {
	Metadata    map[string]string
	Body        []byte
	ContentType string
}

// Header carries the engine metadata fields of a stored object.
type Header struct {
	Version   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecodeHeader extracts the engine fields from object metadata. The
// second return is false when the version stamp is absent, which means
// the object was not written by this engine.
func DecodeHeader(metadata map[string]string) (Header, bool) {
	version, ok := metadata[metaVersion]
	if !ok || version == "" {
		return Header{}, false
	}
	h := Header{Version: version}
	if raw, ok := metadata[metaCreated]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			h.CreatedAt = t
		}
	}
	if raw, ok := metadata[metaUpdated]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			h.UpdatedAt = t
		}
	}
	return h, true
}

// fieldEntry is one attribute prepared for routing to metadata or body.
type fieldEntry struct {
	field *schema.Field
	value schema.Value
}

// EncodeRecord converts a validated record into its stored form under the
// given behavior. Fields are processed in lexicographic order, so the
// metadata/body split for a given record and budget is deterministic.
func (c *Codec) EncodeRecord(resource string, valid schema.ValidRecord, behavior Behavior) (*Encoded, error) {
	rec := valid.Record()
	s := valid.Schema()
	if s == nil {
		return nil, fmt.Errorf("record was not validated")
	}

	out := &Encoded{
		Metadata: map[string]string{
			metaVersion: valid.Version(),
			metaCreated: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			metaUpdated: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	var entries []fieldEntry
	for _, field := range s.Fields() {
		value, present := rec.Attributes[field.Name]
		if !present || value.IsNull() {
			continue
		}
		entries = append(entries, fieldEntry{field: field, value: value})
	}

	switch behavior {
	case BehaviorMetadataOnly, BehaviorUserManaged:
		if err := c.encodeToMetadata(resource, entries, out); err != nil {
			return nil, err
		}
		if behavior == BehaviorUserManaged {
			out.Body = rec.Body
		}
		return out, nil

	case BehaviorBodyOnly:
		if err := c.encodeToBody(entries, out); err != nil {
			return nil, err
		}
		return out, nil

	default: // BehaviorMixed
		overflow, err := c.routeMixed(entries, out)
		if err != nil {
			return nil, err
		}
		if err := c.encodeToBody(overflow, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// encodeToMetadata places every entry in metadata and fails when the
// budget cannot hold them.
func (c *Codec) encodeToMetadata(resource string, entries []fieldEntry, out *Encoded) error {
	used := 0
	for _, e := range entries {
		encoded, err := c.metadataValue(e)
		if err != nil {
			return err
		}
		key := metadataKey(e.field.Name)
		used += len(key) + len(encoded)
		if used > c.budget {
			return &errs.ValidationError{Resource: resource, Fields: []errs.FieldError{{
				Field:    e.field.Name,
				Message:  "exceeds the metadata budget and this behavior has no body to spill to",
				Expected: fmt.Sprintf("<= %d encoded bytes in total", c.budget),
				Actual:   fmt.Sprintf("%d bytes", used),
			}}}
		}
		out.Metadata[key] = encoded
	}
	return nil
}

// routeMixed fills metadata first-fit in field order and returns the
// entries that must spill to the body.
func (c *Codec) routeMixed(entries []fieldEntry, out *Encoded) ([]fieldEntry, error) {
	var overflow []fieldEntry
	used := 0
	for _, e := range entries {
		encoded, err := c.metadataValue(e)
		if err != nil {
			return nil, err
		}
		key := metadataKey(e.field.Name)
		cost := len(key) + len(encoded)
		if used+cost > c.budget {
			overflow = append(overflow, e)
			continue
		}
		used += cost
		out.Metadata[key] = encoded
	}
	return overflow, nil
}

// metadataValue renders one attribute as a tagged metadata string.
func (c *Codec) metadataValue(e fieldEntry) (string, error) {
	if e.field.Secret() {
		plaintext, ok := e.value.StringValue()
		if !ok {
			return "", fmt.Errorf("secret field %q must hold a string", e.field.Name)
		}
		envelope, err := encryptField(c.key, e.field.Name, plaintext)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt field %q: %w", e.field.Name, err)
		}
		return tagString + envelope, nil
	}

	switch e.field.Type {
	case schema.TypeObject, schema.TypeArray:
		raw, err := json.Marshal(e.value.Interface())
		if err != nil {
			return "", fmt.Errorf("failed to encode field %q: %w", e.field.Name, err)
		}
		return string(raw), nil
	default:
		encoded, err := encodeScalar(e.value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", e.field.Name, err)
		}
		return encoded, nil
	}
}

// encodeToBody marshals entries as a JSON body, compressing past the
// threshold.
func (c *Codec) encodeToBody(entries []fieldEntry, out *Encoded) error {
	if len(entries) == 0 {
		return nil
	}

	doc := make(map[string]any, len(entries))
	for _, e := range entries {
		if e.field.Secret() {
			plaintext, ok := e.value.StringValue()
			if !ok {
				return fmt.Errorf("secret field %q must hold a string", e.field.Name)
			}
			envelope, err := encryptField(c.key, e.field.Name, plaintext)
			if err != nil {
				return fmt.Errorf("failed to encrypt field %q: %w", e.field.Name, err)
			}
			doc[e.field.Name] = envelope
			continue
		}
		doc[e.field.Name] = e.value.Interface()
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	body, err = compressBody(body, c.threshold)
	if err != nil {
		return err
	}
	out.Body = body
	out.ContentType = "application/json"
	return nil
}

// DecodeRecord rebuilds a record from its stored form. The schema must be
// the version named by the header; Resource resolves it before calling.
func (c *Codec) DecodeRecord(resource, id string, s *schema.Schema, header Header, metadata map[string]string, body []byte, behavior Behavior) (schema.Record, error) {
	rec := schema.Record{
		ID:         id,
		Attributes: make(map[string]schema.Value),
		Version:    header.Version,
		CreatedAt:  header.CreatedAt,
		UpdatedAt:  header.UpdatedAt,
	}

	var bodyDoc map[string]any
	if behavior == BehaviorUserManaged {
		rec.Body = body
	} else if len(body) > 0 {
		plain, err := decompressBody(body)
		if err != nil {
			return schema.Record{}, err
		}
		if err := json.Unmarshal(plain, &bodyDoc); err != nil {
			return schema.Record{}, fmt.Errorf("malformed body: %w", err)
		}
	}

	for _, field := range s.Fields() {
		if raw, ok := metadata[metadataKey(field.Name)]; ok {
			value, err := c.decodeMetadataValue(resource, id, field, raw)
			if err != nil {
				return schema.Record{}, err
			}
			rec.Attributes[field.Name] = value
			continue
		}
		if bodyDoc != nil {
			if raw, ok := bodyDoc[field.Name]; ok {
				value, err := c.convertJSON(resource, id, field, raw)
				if err != nil {
					return schema.Record{}, err
				}
				if !value.IsNull() {
					rec.Attributes[field.Name] = value
				}
			}
		}
	}
	return rec, nil
}

// decodeMetadataValue parses one stored metadata entry for a field.
func (c *Codec) decodeMetadataValue(resource, id string, field *schema.Field, raw string) (schema.Value, error) {
	switch field.Type {
	case schema.TypeObject, schema.TypeArray:
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return schema.Null(), fmt.Errorf("field %q: malformed stored JSON: %w", field.Name, err)
		}
		return c.convertJSON(resource, id, field, doc)
	default:
		value, err := decodeScalar(raw)
		if err != nil {
			return schema.Null(), fmt.Errorf("field %q: %w", field.Name, err)
		}
		if field.Secret() {
			envelope, ok := value.StringValue()
			if !ok {
				return schema.Null(), &errs.DecryptionError{Resource: resource, ID: id, Field: field.Name}
			}
			plaintext, err := decryptField(c.key, field.Name, envelope)
			if err != nil {
				return schema.Null(), &errs.DecryptionError{Resource: resource, ID: id, Field: field.Name, Cause: err}
			}
			return schema.String(plaintext), nil
		}
		if got, want := value.Kind(), expectedKind(field.Type); got != want {
			return schema.Null(), fmt.Errorf("field %q: stored kind %s does not match schema type %s", field.Name, got, field.Type)
		}
		return value, nil
	}
}

// convertJSON turns a decoded JSON value into a schema Value, guided by
// the field's declared type.
func (c *Codec) convertJSON(resource, id string, field *schema.Field, raw any) (schema.Value, error) {
	if raw == nil {
		return schema.Null(), nil
	}

	if field.Secret() {
		envelope, ok := raw.(string)
		if !ok {
			return schema.Null(), &errs.DecryptionError{Resource: resource, ID: id, Field: field.Name}
		}
		plaintext, err := decryptField(c.key, field.Name, envelope)
		if err != nil {
			return schema.Null(), &errs.DecryptionError{Resource: resource, ID: id, Field: field.Name, Cause: err}
		}
		return schema.String(plaintext), nil
	}

	switch field.Type {
	case schema.TypeString, schema.TypeURL, schema.TypeEmail:
		str, ok := raw.(string)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		return schema.String(str), nil
	case schema.TypeNumber:
		num, ok := raw.(float64)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		return schema.Number(num), nil
	case schema.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		return schema.Bool(b), nil
	case schema.TypeDate:
		str, ok := raw.(string)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return schema.Null(), fmt.Errorf("field %q: malformed stored timestamp: %w", field.Name, err)
		}
		return schema.Time(t), nil
	case schema.TypeObject:
		doc, ok := raw.(map[string]any)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		fields := make(map[string]schema.Value, len(doc))
		for _, nested := range field.Nested.Fields() {
			inner, ok := doc[nested.Name]
			if !ok || inner == nil {
				continue
			}
			value, err := c.convertJSON(resource, id, nested, inner)
			if err != nil {
				return schema.Null(), err
			}
			fields[nested.Name] = value
		}
		return schema.Object(fields), nil
	case schema.TypeArray:
		items, ok := raw.([]any)
		if !ok {
			return schema.Null(), badStoredType(field, raw)
		}
		values := make([]schema.Value, len(items))
		for i, inner := range items {
			value, err := c.convertJSON(resource, id, field.Items, inner)
			if err != nil {
				return schema.Null(), err
			}
			values[i] = value
		}
		return schema.Array(values...), nil
	default:
		return schema.Null(), fmt.Errorf("field %q: unsupported type %s", field.Name, field.Type)
	}
}

func badStoredType(field *schema.Field, raw any) error {
	return fmt.Errorf("field %q: stored value %T does not match schema type %s", field.Name, raw, field.Type)
}

func expectedKind(t schema.FieldType) schema.Kind {
	switch t {
	case schema.TypeNumber:
		return schema.KindNumber
	case schema.TypeBool:
		return schema.KindBool
	case schema.TypeDate:
		return schema.KindTime
	default:
		return schema.KindString
	}
}
