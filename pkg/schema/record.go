package schema

import "time"

// Record is one document: caller-owned attributes plus the engine-managed
// identity and bookkeeping fields. The bookkeeping fields are populated by
// the engine on write and on decode; callers only supply ID (optionally)
// and Attributes.
type Record struct {
	ID         string
	Attributes map[string]Value

	// Version is the schema version the record was written under ("v0",
	// "v1", ...). Set by the engine.
	Version string

	// CreatedAt and UpdatedAt are engine-managed timestamps in UTC.
	CreatedAt time.Time
	UpdatedAt time.Time

	// ETag is the primary object's entity tag at read time. Callers pass
	// it back for conditional updates. Ignored on write input.
	ETag string

	// Body is the opaque caller payload under the user-managed behavior.
	// Unused by the other behaviors.
	Body []byte
}

// Get returns the named attribute, or a null Value when absent.
func (r Record) Get(name string) Value {
	if r.Attributes == nil {
		return Null()
	}
	return r.Attributes[name]
}

// Clone returns a copy with its own attribute map. Values are immutable
// from the engine's point of view, so a shallow copy of each entry is
// enough.
func (r Record) Clone() Record {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]Value, len(r.Attributes))
		for key, val := range r.Attributes {
			out.Attributes[key] = val
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// ValidRecord is the carrier for a record that passed validation against
// a specific schema version. Only the validating schema can mint one, so
// holding a ValidRecord is proof the write pipeline may proceed.
type ValidRecord struct {
	record Record
	schema *Schema
}

// Record returns the validated record.
func (v ValidRecord) Record() Record { return v.record }

// Schema returns the schema the record was validated against.
func (v ValidRecord) Schema() *Schema { return v.schema }

// Version returns the schema version the record was validated against.
func (v ValidRecord) Version() string {
	if v.schema == nil {
		return ""
	}
	return v.schema.version
}
