package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/cache"
	"github.com/platinummonkey/pannier/pkg/codec"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/events"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Operation names, used in metric labels, event topics and hook phases.
const (
	opInsert     = "insert"
	opGet        = "get"
	opExists     = "exists"
	opUpdate     = "update"
	opUpsert     = "upsert"
	opDelete     = "delete"
	opList       = "list"
	opQuery      = "list-partition"
	opCount      = "count"
	opStream     = "stream"
	opRebuild    = "rebuild-partitions"
	opInsertMany = "insert-many"
	opGetMany    = "get-many"
	opDeleteMany = "delete-many"
)

// Resource is the handle for one declared resource. All record operations
// go through it. Handles are safe for concurrent use.
type Resource struct {
	db       *Database
	name     string
	behavior codec.Behavior
	index    *partition.Index
	hooks    *hookRegistry
	log      *logrus.Entry

	mu       sync.RWMutex
	versions *schema.VersionSet
	parts    []partition.Partition
	cache    *cache.ReadThrough
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Behavior returns the storage behavior records are written under.
func (r *Resource) Behavior() codec.Behavior { return r.behavior }

// Schema returns the current schema version.
func (r *Resource) Schema() *schema.Schema { return r.schemaSet().Current() }

// Versions returns every schema version tag, oldest first.
func (r *Resource) Versions() []string { return r.schemaSet().Versions() }

// Partitions returns the partition declarations in effect for new writes.
func (r *Resource) Partitions() []partition.Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]partition.Partition(nil), r.parts...)
}

func (r *Resource) schemaSet() *schema.VersionSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions
}

func (r *Resource) partitions() []partition.Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parts
}

func (r *Resource) readThrough() *cache.ReadThrough {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache
}

// AttachCache routes this resource's reads through a read-through cache.
// Passing nil detaches the current one.
func (r *Resource) AttachCache(rt *cache.ReadThrough) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = rt
}

// Hook registers fn for a lifecycle phase: "before:<op>", "after:<op>" or
// "on:error:<op>", with "*" standing for every operation. Close the
// returned handle to unregister.
func (r *Resource) Hook(phase string, fn Hook) (*HookHandle, error) {
	kind, op, err := parsePhase(phase)
	if err != nil {
		return nil, err
	}
	return r.hooks.add(kind, op, fn), nil
}

// On subscribes to this resource's completed-operation events. op is one of
// the write operations or "*" for all of them; the payload is an
// events.OperationEvent. It is shorthand for subscribing to
// events.OperationTopic on the database bus.
func (r *Resource) On(op string, handler events.Handler) *events.Subscription {
	return r.db.bus.Subscribe(events.OperationTopic(r.name, op), handler)
}

// InsertOptions controls Insert.
type InsertOptions struct {
	// Overwrite replaces an existing record with the same id instead of
	// failing with AlreadyExists.
	Overwrite bool
}

// Insert writes a new record. An empty id gets a generated time-ordered
// one. The returned record carries the engine-managed fields.
//
// When the returned error is a PointerStaleError the primary write already
// succeeded and the returned record is valid; only partition listings may
// lag until the pointers are reconciled.
func (r *Resource) Insert(ctx context.Context, rec schema.Record, opts InsertOptions) (schema.Record, error) {
	start := time.Now()
	out, err := r.insert(ctx, rec, opts)
	r.observe(opInsert, start, err)
	return out, err
}

func (r *Resource) insert(ctx context.Context, rec schema.Record, opts InsertOptions) (schema.Record, error) {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	valid, err := r.prepare(ctx, opInsert, rec)
	if err != nil {
		r.runErrorHooks(ctx, opInsert, &rec, err)
		return schema.Record{}, err
	}
	final := valid.Record()
	if final.ID == "" {
		final.ID = rec.ID
	}

	encoded, err := r.db.codec.EncodeRecord(r.name, valid, r.behavior)
	if err != nil {
		r.runErrorHooks(ctx, opInsert, &final, err)
		return schema.Record{}, err
	}

	putOpts := objstore.PutOptions{ContentType: encoded.ContentType}
	if opts.Overwrite {
		putOpts.SafeRetry = true
	} else {
		putOpts.IfNoneMatch = "*"
	}
	res, err := r.db.store.PutObject(ctx, layout.Data(r.name, final.ID), encoded.Body, encoded.Metadata, putOpts)
	if err != nil {
		if !opts.Overwrite && objstore.IsPreconditionFailure(err) {
			err = &errs.AlreadyExistsError{Resource: r.name, ID: final.ID, Cause: err}
		}
		r.runErrorHooks(ctx, opInsert, &final, err)
		return schema.Record{}, err
	}
	final.Version = valid.Version()
	final.ETag = res.ETag
	r.invalidate(ctx, final.ID)

	if err := r.writePointers(ctx, final.ID, final); err != nil {
		return final, err
	}
	r.finish(ctx, opInsert, &final, nil)
	return final, nil
}

// Get loads one record by id.
func (r *Resource) Get(ctx context.Context, id string) (schema.Record, error) {
	start := time.Now()
	rec, err := r.get(ctx, id, true)
	r.observe(opGet, start, err)
	return rec, err
}

// get loads and decodes one record. withHooks distinguishes caller-facing
// reads from internal pre-image loads, which skip after-read hooks.
func (r *Resource) get(ctx context.Context, id string, withHooks bool) (schema.Record, error) {
	if id == "" {
		return schema.Record{}, r.emptyIDError()
	}
	entry, err := r.fetch(ctx, layout.Data(r.name, id))
	if err != nil {
		if errs.IsNotFound(err) {
			return schema.Record{}, &errs.NotFoundError{Resource: r.name, ID: id, Cause: err}
		}
		return schema.Record{}, err
	}
	rec, err := r.decode(id, entry.Metadata, entry.Body, entry.ETag)
	if err != nil {
		return schema.Record{}, err
	}
	if withHooks {
		for _, hook := range r.hooks.matching(phaseAfter, opGet) {
			if err := hook(ctx, &rec); err != nil {
				r.hookFailed(opGet, phaseAfter, id, err)
			}
		}
	}
	return rec, nil
}

// fetch returns the stored object image for a key, through the
// read-through cache when one is attached.
func (r *Resource) fetch(ctx context.Context, key string) (*cache.Entry, error) {
	load := func(ctx context.Context) (*cache.Entry, error) {
		obj, err := r.db.store.GetObject(ctx, key)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Metadata: obj.Metadata, Body: obj.Body, ETag: obj.ETag}, nil
	}
	if rt := r.readThrough(); rt != nil {
		return rt.Get(ctx, key, load)
	}
	return load(ctx)
}

// decode rebuilds a record from its stored image, resolving the schema
// version it was written under.
func (r *Resource) decode(id string, metadata map[string]string, body []byte, etag string) (schema.Record, error) {
	header, ok := codec.DecodeHeader(metadata)
	if !ok {
		return schema.Record{}, &errs.SchemaVersionMissingError{Resource: r.name, ID: id}
	}
	s, ok := r.schemaSet().Resolve(header.Version)
	if !ok {
		return schema.Record{}, &errs.SchemaVersionMissingError{Resource: r.name, ID: id, Version: header.Version}
	}
	rec, err := r.db.codec.DecodeRecord(r.name, id, s, header, metadata, body, r.behavior)
	if err != nil {
		return schema.Record{}, err
	}
	rec.ETag = etag
	return rec, nil
}

// Exists checks record presence without fetching the payload.
func (r *Resource) Exists(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := r.exists(ctx, id)
	r.observe(opExists, start, err)
	return ok, err
}

func (r *Resource) exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, r.emptyIDError()
	}
	_, err := r.db.store.HeadObject(ctx, layout.Data(r.name, id))
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	// IfMatch makes the write conditional on the record's current ETag,
	// turning last-writer-wins into compare-and-swap. Take the ETag from a
	// previous Get.
	IfMatch string
}

// Update merges patch into the stored record and rewrites it. A null
// patch value removes the attribute. The record's creation time is
// preserved; UpdatedAt moves.
func (r *Resource) Update(ctx context.Context, id string, patch map[string]schema.Value, opts UpdateOptions) (schema.Record, error) {
	start := time.Now()
	rec, err := r.update(ctx, id, patch, opts)
	r.observe(opUpdate, start, err)
	return rec, err
}

func (r *Resource) update(ctx context.Context, id string, patch map[string]schema.Value, opts UpdateOptions) (schema.Record, error) {
	before, err := r.get(ctx, id, false)
	if err != nil {
		return schema.Record{}, err
	}

	merged := before.Clone()
	applyPatch(&merged, patch)
	merged.UpdatedAt = time.Now().UTC()

	final, err := r.write(ctx, opUpdate, merged, objstore.PutOptions{
		IfMatch:   opts.IfMatch,
		SafeRetry: opts.IfMatch == "",
	})
	if err != nil {
		return schema.Record{}, err
	}
	if err := r.syncPointers(ctx, id, before, final); err != nil {
		return final, err
	}
	r.finish(ctx, opUpdate, &final, &before)
	return final, nil
}

// UpsertOptions controls Upsert.
type UpsertOptions struct {
	// IfMatch makes the write conditional on the record's current ETag.
	IfMatch string
}

// Upsert inserts the record when its id is absent and merges it into the
// stored record otherwise. A record without an id is always an insert.
func (r *Resource) Upsert(ctx context.Context, rec schema.Record, opts UpsertOptions) (schema.Record, error) {
	start := time.Now()
	out, err := r.upsert(ctx, rec, opts)
	r.observe(opUpsert, start, err)
	return out, err
}

func (r *Resource) upsert(ctx context.Context, rec schema.Record, opts UpsertOptions) (schema.Record, error) {
	if rec.ID == "" {
		return r.insert(ctx, rec, InsertOptions{})
	}

	now := time.Now().UTC()
	var before *schema.Record
	existing, err := r.get(ctx, rec.ID, false)
	switch {
	case err == nil:
		pre := existing
		before = &pre
		working := existing.Clone()
		applyPatch(&working, rec.Attributes)
		if rec.Body != nil {
			working.Body = rec.Body
		}
		working.UpdatedAt = now
		rec = working
	case errs.IsNotFound(err):
		rec.CreatedAt = now
		rec.UpdatedAt = now
	default:
		return schema.Record{}, err
	}

	final, err := r.write(ctx, opUpsert, rec, objstore.PutOptions{
		IfMatch:   opts.IfMatch,
		SafeRetry: opts.IfMatch == "",
	})
	if err != nil {
		return schema.Record{}, err
	}

	if before != nil {
		if err := r.syncPointers(ctx, rec.ID, *before, final); err != nil {
			return final, err
		}
	} else {
		if err := r.writePointers(ctx, rec.ID, final); err != nil {
			return final, err
		}
	}
	r.finish(ctx, opUpsert, &final, before)
	return final, nil
}

// write runs the shared tail of the mutation pipeline: prepare, encode,
// put. The record's id is the object key, so hooks cannot move it.
func (r *Resource) write(ctx context.Context, op string, rec schema.Record, putOpts objstore.PutOptions) (schema.Record, error) {
	id := rec.ID
	valid, err := r.prepare(ctx, op, rec)
	if err != nil {
		r.runErrorHooks(ctx, op, &rec, err)
		return schema.Record{}, err
	}
	final := valid.Record()
	final.ID = id

	encoded, err := r.db.codec.EncodeRecord(r.name, valid, r.behavior)
	if err != nil {
		r.runErrorHooks(ctx, op, &final, err)
		return schema.Record{}, err
	}
	putOpts.ContentType = encoded.ContentType
	res, err := r.db.store.PutObject(ctx, layout.Data(r.name, id), encoded.Body, encoded.Metadata, putOpts)
	if err != nil {
		r.runErrorHooks(ctx, op, &final, err)
		return schema.Record{}, err
	}
	final.Version = valid.Version()
	final.ETag = res.ETag
	r.invalidate(ctx, id)
	return final, nil
}

// Delete removes a record and its partition pointers, primary object
// first. Deleting a missing record succeeds quietly.
func (r *Resource) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := r.delete(ctx, id)
	r.observe(opDelete, start, err)
	return err
}

func (r *Resource) delete(ctx context.Context, id string) error {
	skipPointers := false
	before, err := r.get(ctx, id, false)
	if err != nil {
		switch {
		case errs.IsNotFound(err):
			return nil
		case errs.Code(err) == errs.CodeSchemaVersionMissing || errs.Code(err) == errs.CodeDecryptionFailed:
			// The record no longer decodes, so its pointer keys cannot be
			// derived. Remove the primary and leave the pointers to lazy
			// reclamation.
			r.log.WithError(err).WithField("id", id).Warn("deleting record that no longer decodes")
			before = schema.Record{ID: id}
			skipPointers = true
		default:
			return err
		}
	}

	working := before.Clone()
	for _, hook := range r.hooks.matching(phaseBefore, opDelete) {
		if err := hook(ctx, &working); err != nil {
			return &errs.HookFailedError{Resource: r.name, Phase: phaseBefore + ":" + opDelete, Cause: err}
		}
	}

	if err := r.db.store.DeleteObject(ctx, layout.Data(r.name, id)); err != nil {
		r.runErrorHooks(ctx, opDelete, &before, err)
		return err
	}
	r.invalidate(ctx, id)

	if !skipPointers {
		if err := r.deletePointers(ctx, id, before); err != nil {
			return err
		}
	}
	r.finish(ctx, opDelete, &before, &before)
	return nil
}

// Count returns the number of primary objects by walking the data prefix.
// It costs one LIST request per thousand records.
func (r *Resource) Count(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := r.count(ctx)
	r.observe(opCount, start, err)
	return n, err
}

func (r *Resource) count(ctx context.Context) (int, error) {
	total := 0
	token := ""
	for {
		page, err := r.db.store.ListObjects(ctx, layout.DataPrefix(r.name), objstore.ListOptions{Token: token})
		if err != nil {
			return 0, err
		}
		total += len(page.Keys)
		if !page.Truncated() {
			return total, nil
		}
		token = page.NextToken
	}
}

// UpdateAttributes evolves the resource schema. The declaration compiles
// as the next version and becomes current for new writes; existing records
// keep decoding under the version they were written with. Nil partitions
// carry the current declarations forward.
func (r *Resource) UpdateAttributes(ctx context.Context, attrs schema.Attributes, parts []partition.Partition) (*schema.Schema, error) {
	var (
		evolved  *schema.VersionSet
		next     *schema.Schema
		newParts []partition.Partition
	)
	err := r.db.manifest.Update(ctx, func(m *manifest) error {
		mres, ok := m.Resources[r.name]
		if !ok {
			return &errs.NotFoundError{Resource: r.name}
		}
		declarations := make(map[string]schema.Attributes, len(mres.Versions))
		for tag, v := range mres.Versions {
			declarations[tag] = v.Attributes
		}
		vs, err := schema.RestoreVersionSet(declarations, mres.CurrentVersion)
		if err != nil {
			return err
		}
		s, err := vs.Evolve(attrs)
		if err != nil {
			return err
		}
		candidate := parts
		if candidate == nil {
			candidate = mres.Versions[mres.CurrentVersion].Partitions
		}
		if err := partition.ValidateAll(candidate, s); err != nil {
			return err
		}
		mres.Versions[s.Version()] = manifestVersion{Attributes: s.Declaration(), Partitions: candidate}
		mres.CurrentVersion = s.Version()
		evolved, next, newParts = vs, s, candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.versions.Current()
	r.versions = evolved
	r.parts = append([]partition.Partition(nil), newParts...)
	r.mu.Unlock()

	diff := next.Diff(previous)
	r.log.WithFields(logrus.Fields{
		"version": next.Version(),
		"added":   diff.Added,
		"removed": diff.Removed,
		"retyped": diff.Retyped,
	}).Info("schema evolved")
	return next, nil
}

// RebuildPartitions re-derives every partition pointer from the primary
// objects: missing pointers are written, orphans removed. Run it after
// pointer-stale events or a partition declaration change.
func (r *Resource) RebuildPartitions(ctx context.Context) (*partition.RebuildReport, error) {
	start := time.Now()
	report, err := r.index.Rebuild(ctx, r.partitions(), func(ctx context.Context, id string) (schema.Record, error) {
		return r.get(ctx, id, false)
	})
	r.observe(opRebuild, start, err)
	return report, err
}

// prepare runs coercion, validation and before-hooks. Hooks may rewrite
// the record, so a changed record is validated again before it can reach
// the codec.
func (r *Resource) prepare(ctx context.Context, op string, rec schema.Record) (schema.ValidRecord, error) {
	s := r.schemaSet().Current()
	rec = s.Coerce(rec)
	valid, err := s.Validate(r.name, rec)
	if err != nil {
		return schema.ValidRecord{}, err
	}

	hooks := r.hooks.matching(phaseBefore, op)
	if len(hooks) == 0 {
		return valid, nil
	}
	working := valid.Record()
	for _, hook := range hooks {
		if err := hook(ctx, &working); err != nil {
			return schema.ValidRecord{}, &errs.HookFailedError{Resource: r.name, Phase: phaseBefore + ":" + op, Cause: err}
		}
	}
	working = s.Coerce(working)
	return s.Validate(r.name, working)
}

// writePointers materializes the partition pointers for a record, one
// partition at a time with a single retry each.
func (r *Resource) writePointers(ctx context.Context, id string, rec schema.Record) error {
	for _, p := range r.partitions() {
		single := []partition.Partition{p}
		if err := r.index.WritePointers(ctx, id, single, rec); err != nil {
			if err = r.index.WritePointers(ctx, id, single, rec); err != nil {
				keys, _ := partition.PointerKeys(r.name, single, id, rec)
				return r.pointerStale(p.Name, id, keys, err)
			}
		}
	}
	return nil
}

// syncPointers moves pointers after a record's values changed.
func (r *Resource) syncPointers(ctx context.Context, id string, previous, current schema.Record) error {
	for _, p := range r.partitions() {
		single := []partition.Partition{p}
		if err := r.index.SyncPointers(ctx, id, single, previous, current); err != nil {
			if err = r.index.SyncPointers(ctx, id, single, previous, current); err != nil {
				keys, _ := partition.PointerKeys(r.name, single, id, current)
				return r.pointerStale(p.Name, id, keys, err)
			}
		}
	}
	return nil
}

// deletePointers removes a deleted record's pointers.
func (r *Resource) deletePointers(ctx context.Context, id string, rec schema.Record) error {
	for _, p := range r.partitions() {
		single := []partition.Partition{p}
		if err := r.index.DeletePointers(ctx, id, single, rec); err != nil {
			if err = r.index.DeletePointers(ctx, id, single, rec); err != nil {
				keys, _ := partition.PointerKeys(r.name, single, id, rec)
				return r.pointerStale(p.Name, id, keys, err)
			}
		}
	}
	return nil
}

// pointerStale records a pointer write abandoned after retry: the primary
// object is durable but one partition's pointers no longer match it.
func (r *Resource) pointerStale(partName, id string, keys []string, cause error) error {
	r.db.metrics.PointerStaleTotal.WithLabelValues(r.name, partName).Inc()
	r.log.WithError(cause).WithFields(logrus.Fields{
		"id":        id,
		"partition": partName,
	}).Warn("abandoning partition pointer write")
	r.db.bus.Emit(events.PointerStaleTopic(r.name), events.PointerStaleEvent{
		Resource: r.name,
		RecordID: id,
		Keys:     keys,
		Err:      cause,
	})
	key := ""
	if len(keys) > 0 {
		key = keys[0]
	}
	return &errs.PointerStaleError{Resource: r.name, Partition: partName, ID: id, Key: key, Cause: cause}
}

// finish runs the post-write tail: after-hooks and the operation event.
// After-hook mutations are visible to the caller and in the event payload.
func (r *Resource) finish(ctx context.Context, op string, rec *schema.Record, before *schema.Record) {
	for _, hook := range r.hooks.matching(phaseAfter, op) {
		if err := hook(ctx, rec); err != nil {
			r.hookFailed(op, phaseAfter, rec.ID, err)
		}
	}
	r.db.bus.Emit(events.OperationTopic(r.name, op), events.OperationEvent{
		Resource: r.name,
		Op:       op,
		Record:   *rec,
		Before:   before,
	})
}

// runErrorHooks lets on:error hooks observe a failed operation's record.
// Their own failures are reported, never returned.
func (r *Resource) runErrorHooks(ctx context.Context, op string, rec *schema.Record, cause error) {
	hooks := r.hooks.matching(phaseOnError, op)
	if len(hooks) == 0 {
		return
	}
	r.log.WithError(cause).WithFields(logrus.Fields{"op": op, "id": rec.ID}).Debug("running on:error hooks")
	for _, hook := range hooks {
		if err := hook(ctx, rec); err != nil {
			r.hookFailed(op, phaseOnError, rec.ID, err)
		}
	}
}

func (r *Resource) hookFailed(op, kind, id string, err error) {
	r.db.metrics.HookFailuresTotal.WithLabelValues(r.name, kind).Inc()
	r.log.WithError(err).WithFields(logrus.Fields{
		"op":    op,
		"id":    id,
		"phase": kind,
	}).Warn("hook failed")
	r.db.bus.Emit(events.HookFailedTopic(r.name), events.HookFailureEvent{
		Resource: r.name,
		Phase:    kind,
		Op:       op,
		RecordID: id,
		Err:      err,
	})
}

func (r *Resource) invalidate(ctx context.Context, id string) {
	if rt := r.readThrough(); rt != nil {
		rt.Invalidate(ctx, layout.Data(r.name, id))
	}
}

func (r *Resource) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.db.metrics.RecordOperationsTotal.WithLabelValues(r.name, op, status).Inc()
	r.db.metrics.RecordOperationDuration.WithLabelValues(r.name, op).Observe(time.Since(start).Seconds())
}

// emptyIDError rejects id-addressed operations called with an empty id,
// which would otherwise land on the bare data prefix.
func (r *Resource) emptyIDError() error {
	return &errs.ValidationError{Resource: r.name, Fields: []errs.FieldError{{
		Field:   "id",
		Message: "must not be empty",
	}}}
}

// applyPatch merges patch attributes into a record. A null value removes
// the attribute; everything else replaces it.
func applyPatch(rec *schema.Record, patch map[string]schema.Value) {
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]schema.Value, len(patch))
	}
	for name, value := range patch {
		if value.IsNull() {
			delete(rec.Attributes, name)
			continue
		}
		rec.Attributes[name] = value
	}
}

// newRecordID mints a time-ordered id so primary objects list in rough
// insertion order.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
