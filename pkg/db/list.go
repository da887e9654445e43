package db

import (
	"context"
	"time"

	"github.com/platinummonkey/pannier/pkg/async"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// decodeConcurrency bounds parallel record fetches while materializing one
// listing page.
const decodeConcurrency = 8

// ListOptions controls List.
type ListOptions struct {
	// Limit caps the number of returned records. Zero means no cap.
	Limit int

	// Offset skips matching records before any are collected. It applies
	// after Filter, so it pages through filtered results, not raw ids.
	Offset int

	// Filter keeps only records it returns true for. It runs client-side
	// after decoding, so every scanned record still costs a GET.
	Filter func(schema.Record) bool
}

// List returns records in id order by walking the primary objects. Records
// deleted between the listing and their fetch are skipped.
func (r *Resource) List(ctx context.Context, opts ListOptions) ([]schema.Record, error) {
	start := time.Now()
	out, err := r.list(ctx, opts)
	r.observe(opList, start, err)
	return out, err
}

func (r *Resource) list(ctx context.Context, opts ListOptions) ([]schema.Record, error) {
	var out []schema.Record
	skip := opts.Offset
	token := ""
	for {
		page, err := r.db.store.ListObjects(ctx, layout.DataPrefix(r.name), objstore.ListOptions{Token: token})
		if err != nil {
			return nil, err
		}
		loaded, err := r.loadPage(ctx, r.pageIDs(page.Keys))
		if err != nil {
			return nil, err
		}
		for _, pr := range loaded {
			if !pr.ok {
				continue
			}
			if opts.Filter != nil && !opts.Filter(pr.rec) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, pr.rec)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
		if !page.Truncated() {
			return out, nil
		}
		token = page.NextToken
	}
}

// PartitionOptions controls ListByPartition.
type PartitionOptions struct {
	// Limit caps the number of returned records. Zero returns every match.
	Limit int
}

// ListByPartition returns the records whose partition values match the
// selector. Selector fields bind by equality and must form a prefix of the
// partition's declared field order. Pointers whose primary object is gone
// are reclaimed on the way.
func (r *Resource) ListByPartition(ctx context.Context, name string, selector map[string]schema.Value, opts PartitionOptions) ([]schema.Record, error) {
	start := time.Now()
	out, err := r.listByPartition(ctx, name, selector, opts)
	r.observe(opQuery, start, err)
	return out, err
}

func (r *Resource) listByPartition(ctx context.Context, name string, selector map[string]schema.Value, opts PartitionOptions) ([]schema.Record, error) {
	var out []schema.Record
	token := ""
	for {
		page, err := r.index.List(ctx, r.partitions(), name, selector, partition.ListOptions{Token: token})
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(page.Entries))
		for i, e := range page.Entries {
			ids[i] = e.ID
		}
		loaded, err := r.loadPage(ctx, ids)
		if err != nil {
			return nil, err
		}

		var orphans []string
		for i, pr := range loaded {
			if pr.gone {
				orphans = append(orphans, page.Entries[i].Key)
				continue
			}
			if !pr.ok {
				continue
			}
			if opts.Limit > 0 && len(out) >= opts.Limit {
				continue
			}
			out = append(out, pr.rec)
		}
		if len(orphans) > 0 {
			r.index.Reclaim(ctx, orphans)
		}

		if opts.Limit > 0 && len(out) >= opts.Limit {
			return out, nil
		}
		if !page.Truncated() {
			return out, nil
		}
		token = page.NextToken
	}
}

// StreamOptions controls Stream.
type StreamOptions struct {
	// PageSize bounds the ids listed and decoded per page. Zero uses the
	// store default.
	PageSize int

	// Token resumes from a previous stream's ResumeToken.
	Token string
}

// Stream iterates a resource's records page by page without holding the
// full result set in memory. Use it like bufio.Scanner: Next, Record,
// Err. Abandoning a stream early is free; no further requests are made.
type Stream struct {
	ctx context.Context
	r   *Resource

	pageSize  int
	pageToken string // token that fetched the buffered page
	nextToken string // token for the page after it
	buf       []schema.Record
	pos       int
	cur       schema.Record
	done      bool
	err       error
}

// Stream starts an iteration over every record of the resource, in id
// order. Pages are fetched lazily and their records decoded in parallel.
func (r *Resource) Stream(ctx context.Context, opts StreamOptions) *Stream {
	return &Stream{
		ctx:       ctx,
		r:         r,
		pageSize:  opts.PageSize,
		nextToken: opts.Token,
	}
}

// Next advances to the next record. It returns false when the stream is
// exhausted or failed; Err distinguishes the two.
func (s *Stream) Next() bool {
	for s.err == nil {
		if s.pos < len(s.buf) {
			s.cur = s.buf[s.pos]
			s.pos++
			return true
		}
		if s.done {
			return false
		}
		s.fetchPage()
	}
	return false
}

// Record returns the record Next advanced to.
func (s *Stream) Record() schema.Record { return s.cur }

// Err returns the error that stopped the stream, or nil after a clean
// exhaustion.
func (s *Stream) Err() error { return s.err }

// ResumeToken returns a token that restarts the stream near the current
// position: at the following page once the buffered one is consumed, and
// at the start of the buffered page otherwise, re-delivering its records.
// Empty means the stream is exhausted.
func (s *Stream) ResumeToken() string {
	if s.pos >= len(s.buf) {
		return s.nextToken
	}
	return s.pageToken
}

func (s *Stream) fetchPage() {
	start := time.Now()
	page, err := s.r.db.store.ListObjects(s.ctx, layout.DataPrefix(s.r.name), objstore.ListOptions{
		PageSize: s.pageSize,
		Token:    s.nextToken,
	})
	if err != nil {
		s.err = err
		s.r.observe(opStream, start, err)
		return
	}
	loaded, err := s.r.loadPage(s.ctx, s.r.pageIDs(page.Keys))
	if err != nil {
		s.err = err
		s.r.observe(opStream, start, err)
		return
	}

	s.pageToken = s.nextToken
	s.nextToken = page.NextToken
	s.buf = s.buf[:0]
	for _, pr := range loaded {
		if pr.ok {
			s.buf = append(s.buf, pr.rec)
		}
	}
	s.pos = 0
	s.done = !page.Truncated()
	s.r.observe(opStream, start, nil)
}

// pageRecord is one listing entry's load outcome.
type pageRecord struct {
	rec schema.Record
	ok  bool

	// gone marks ids whose primary object vanished between the listing
	// and the fetch. In a partition listing that means an orphan pointer.
	gone bool
}

// loadPage fetches and decodes records by id in parallel, preserving input
// order. Objects this engine did not write are skipped with a log; any
// other failure aborts the page.
func (r *Resource) loadPage(ctx context.Context, ids []string) ([]pageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	agg := async.Run(ctx, ids, async.Options{Concurrency: decodeConcurrency}, func(ctx context.Context, id string) (schema.Record, error) {
		return r.get(ctx, id, true)
	})

	out := make([]pageRecord, len(ids))
	for _, res := range agg.Results {
		switch {
		case res.Err == nil:
			out[res.Index] = pageRecord{rec: res.Value, ok: true}
		case errs.IsNotFound(res.Err):
			out[res.Index] = pageRecord{gone: true}
		case errs.Code(res.Err) == errs.CodeSchemaVersionMissing:
			r.log.WithField("id", res.Input).Warn("skipping object without an engine version stamp")
		default:
			return nil, res.Err
		}
	}
	return out, nil
}

// pageIDs extracts record ids from primary object keys, dropping keys that
// do not parse.
func (r *Resource) pageIDs(keys []string) []string {
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, ok := layout.RecordID(key)
		if !ok {
			r.log.WithField("key", key).Warn("skipping object with unparsable record key")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
