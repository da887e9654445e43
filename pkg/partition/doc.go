// Package partition maintains secondary indexes as zero-byte pointer
// objects in the store.
//
// # Pointer keys
//
// A partition names an ordered list of record fields. For each partition
// and each live record the engine keeps exactly one pointer object at
//
//	resource=<name>/partitions/<part>/<f1=v1>/<f2=v2>/id=<id>
//
// Values are canonicalized per field type and percent-encoded, so the
// derivation is deterministic: the same record values always produce the
// same key, and rewriting a pointer is a no-op overwrite.
//
// # Listing
//
// A listing selector binds leading fields by equality; unbound trailing
// fields turn the lookup into a prefix scan, which is why field order in
// the declaration matters. Binding a later field while an earlier one is
// unbound has no key-space equivalent and is rejected.
//
// # Consistency
//
// Pointers follow the primary object, they never lead it. On delete the
// primary goes first, so a listing may briefly surface pointers whose
// record is gone; callers drop those entries and hand the keys to Reclaim.
// Rebuild is the full sweep: it re-derives the pointer space from the
// primaries and fixes both missing and orphaned pointers.
package partition
