package partition

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Index materializes a resource's declared partitions as zero-byte pointer
// objects. It is stateless with respect to schema versions: callers pass
// the partition declarations in effect for each operation.
type Index struct {
	store    objstore.Client
	resource string
	logger   *logrus.Entry
}

// Options configures an Index.
type Options struct {
	Logger *logrus.Logger
}

// NewIndex builds an index over one resource's key space.
func NewIndex(store objstore.Client, resource string, opts Options) *Index {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Index{
		store:    store,
		resource: resource,
		logger:   logger.WithField("resource", resource),
	}
}

// WritePointers writes one pointer per partition for a record. Pointer
// writes are idempotent: the same values land on the same key.
func (ix *Index) WritePointers(ctx context.Context, id string, parts []Partition, rec schema.Record) error {
	keys, err := PointerKeys(ix.resource, parts, id, rec)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := ix.store.PutObject(ctx, key, nil, nil, objstore.PutOptions{SafeRetry: true}); err != nil {
			return fmt.Errorf("write pointer %q: %w", key, err)
		}
	}
	return nil
}

// DeletePointers removes a record's pointers. Missing pointers are not an
// error; deletes are idempotent all the way down.
func (ix *Index) DeletePointers(ctx context.Context, id string, parts []Partition, rec schema.Record) error {
	keys, err := PointerKeys(ix.resource, parts, id, rec)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	outcomes, err := ix.store.DeleteObjects(ctx, keys)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			return fmt.Errorf("delete pointer %q: %w", o.Key, o.Err)
		}
	}
	return nil
}

// SyncPointers moves a record's pointers after an update. Current pointers
// are written before stale ones are removed, so a concurrent partition
// listing never observes the record with no pointer at all.
func (ix *Index) SyncPointers(ctx context.Context, id string, parts []Partition, previous, current schema.Record) error {
	currentKeys, err := PointerKeys(ix.resource, parts, id, current)
	if err != nil {
		return err
	}
	previousKeys, err := PointerKeys(ix.resource, parts, id, previous)
	if err != nil {
		return err
	}

	for _, key := range currentKeys {
		if _, err := ix.store.PutObject(ctx, key, nil, nil, objstore.PutOptions{SafeRetry: true}); err != nil {
			return fmt.Errorf("write pointer %q: %w", key, err)
		}
	}

	live := make(map[string]struct{}, len(currentKeys))
	for _, key := range currentKeys {
		live[key] = struct{}{}
	}
	var stale []string
	for _, key := range previousKeys {
		if _, ok := live[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	outcomes, err := ix.store.DeleteObjects(ctx, stale)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			return fmt.Errorf("delete stale pointer %q: %w", o.Key, o.Err)
		}
	}
	return nil
}

// Entry is one partition listing hit: the record id plus the pointer key it
// came from, so callers that detect an orphan can reclaim it.
type Entry struct {
	ID  string
	Key string
}

// Page is one page of partition listing results.
type Page struct {
	Entries   []Entry
	NextToken string
}

// Truncated reports whether more pages follow.
func (p *Page) Truncated() bool {
	return p.NextToken != ""
}

// ListOptions controls partition listing pagination.
type ListOptions struct {
	PageSize int
	Token    string
}

// List returns the record ids whose partition values match the selector.
// Selector fields bind by equality and must form a prefix of the
// partition's declared field order; unbound trailing fields widen the
// listing to every value.
func (ix *Index) List(ctx context.Context, parts []Partition, name string, selector map[string]schema.Value, opts ListOptions) (*Page, error) {
	p, ok := Find(parts, name)
	if !ok {
		return nil, &errs.UnknownPartitionError{Resource: ix.resource, Partition: name}
	}
	prefix, err := selectorPrefix(ix.resource, p, selector)
	if err != nil {
		return nil, err
	}

	page, err := ix.store.ListObjects(ctx, prefix, objstore.ListOptions{
		PageSize: opts.PageSize,
		Token:    opts.Token,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(page.Keys))
	for _, key := range page.Keys {
		id, ok := layout.RecordID(key)
		if !ok {
			ix.logger.WithField("key", key).Warn("skipping unparsable partition pointer")
			continue
		}
		entries = append(entries, Entry{ID: id, Key: key})
	}
	return &Page{Entries: entries, NextToken: page.NextToken}, nil
}

// Reclaim removes pointers whose primary object is gone. Failures are
// logged and swallowed; the next full rebuild retries them.
func (ix *Index) Reclaim(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	outcomes, err := ix.store.DeleteObjects(ctx, keys)
	if err != nil {
		ix.logger.WithError(err).WithField("count", len(keys)).Warn("failed to reclaim orphan pointers")
		return
	}
	reclaimed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			ix.logger.WithError(o.Err).WithField("key", o.Key).Warn("failed to reclaim orphan pointer")
			continue
		}
		reclaimed++
	}
	ix.logger.WithField("count", reclaimed).Debug("reclaimed orphan partition pointers")
}
