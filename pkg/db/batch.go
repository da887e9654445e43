package db

import (
	"context"
	"time"

	"github.com/platinummonkey/pannier/pkg/async"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// BatchOptions tunes the many-record operations. Items run with at most
// Concurrency calls in flight; results come back in input order.
type BatchOptions struct {
	// Concurrency bounds in-flight operations. Zero means
	// async.DefaultConcurrency.
	Concurrency int

	// StopOnError abandons items not yet started after the first failure
	// and marks the aggregate partial. In-flight items still finish.
	StopOnError bool
}

func (o BatchOptions) run() async.Options {
	return async.Options{Concurrency: o.Concurrency, StopOnError: o.StopOnError}
}

// InsertMany inserts records with bounded concurrency. Each item carries
// its own outcome: a failing record does not stop the others unless
// StopOnError is set. The aggregate's Successes hold the records as
// written, engine fields included.
func (r *Resource) InsertMany(ctx context.Context, recs []schema.Record, opts BatchOptions) *async.Aggregate[schema.Record, schema.Record] {
	start := time.Now()
	agg := async.Run(ctx, recs, opts.run(), func(ctx context.Context, rec schema.Record) (schema.Record, error) {
		return r.insert(ctx, rec, InsertOptions{})
	})
	r.observe(opInsertMany, start, agg.Err())
	return agg
}

// GetMany loads records by id with bounded concurrency. A missing id is
// that item's NotFoundError, not the batch's.
func (r *Resource) GetMany(ctx context.Context, ids []string, opts BatchOptions) *async.Aggregate[string, schema.Record] {
	start := time.Now()
	agg := async.Run(ctx, ids, opts.run(), func(ctx context.Context, id string) (schema.Record, error) {
		return r.get(ctx, id, true)
	})
	r.observe(opGetMany, start, agg.Err())
	return agg
}

// DeleteMany deletes records by id with bounded concurrency. Successes
// carry the deleted ids; deleting an absent id counts as success.
func (r *Resource) DeleteMany(ctx context.Context, ids []string, opts BatchOptions) *async.Aggregate[string, string] {
	start := time.Now()
	agg := async.Run(ctx, ids, opts.run(), func(ctx context.Context, id string) (string, error) {
		if err := r.delete(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	})
	r.observe(opDeleteMany, start, agg.Err())
	return agg
}
