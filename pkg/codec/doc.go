// Package codec converts records between their in-memory form and their
// stored form on the object store.
//
// # Metadata encoding
//
// Scalar attributes become tagged metadata entries: "s:" strings, "n:"
// numbers, "b:" booleans, "t:" ISO-8601 timestamps. Null values are
// simply absent. Nested objects and arrays are stored as raw JSON under
// a single entry; the schema identifies them on decode, so they carry no
// tag. Attribute names are lowercased to match the store's metadata key
// folding; the schema compiler guarantees the folding is collision-free.
//
// # Behaviors and the budget
//
// Where attributes land depends on the resource behavior. Mixed, the
// default, fills metadata first-fit in lexicographic field order against
// the configured budget and spills the rest to a JSON body, so the split
// is deterministic for a given record. Metadata-only and user-managed
// reject records whose encoded attributes exceed the budget; body-only
// sends everything to the body.
//
// # Secrets
//
// Fields declared secret are sealed with AES-256-GCM before placement.
// The key is derived per field from the database encryption key with a
// fresh random salt, and the envelope is version-tagged base64. Any
// failure to open an envelope surfaces as DecryptionFailed, never as a
// silently missing or garbled value.
//
// # Compression
//
// Engine-built bodies crossing the threshold (default 10 KiB) are
// wrapped in a gzip envelope behind a magic marker; decode sniffs the
// marker, so small and large bodies are read the same way. Caller
// payloads under user-managed behavior are never wrapped.
package codec
