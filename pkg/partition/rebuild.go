package partition

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// rebuildConcurrency bounds parallel record loads during a sweep.
const rebuildConcurrency = 8

// RecordLoader fetches one decoded record by id. Rebuild skips records that
// report NotFound, covering deletions that race the sweep.
type RecordLoader func(ctx context.Context, id string) (schema.Record, error)

// RebuildReport summarizes one reconciliation sweep.
type RebuildReport struct {
	Scanned int
	Written int
	Deleted int
}

// Rebuild scans every primary object of the resource and reconciles the
// pointer space against it: pointers a live record should have but lacks
// are written, pointers no live record owns are deleted. The sweep is the
// recovery path for pointer writes abandoned after a failed primary write
// retry and for orphans left behind by deletions.
func (ix *Index) Rebuild(ctx context.Context, parts []Partition, load RecordLoader) (*RebuildReport, error) {
	ids, err := ix.primaryIDs(ctx)
	if err != nil {
		return nil, err
	}
	report := &RebuildReport{Scanned: len(ids)}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(rebuildConcurrency)

	keysByRecord := make([][]string, len(ids))
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			rec, err := load(egCtx, id)
			if err != nil {
				if errs.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("load record %q: %w", id, err)
			}
			keys, err := PointerKeys(ix.resource, parts, id, rec)
			if err != nil {
				return err
			}
			keysByRecord[i] = keys
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	expected := make(map[string]struct{})
	for _, keys := range keysByRecord {
		for _, key := range keys {
			expected[key] = struct{}{}
		}
	}

	stale, err := ix.diffPointers(ctx, expected)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0, len(expected))
	for key := range expected {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	for _, key := range missing {
		if _, err := ix.store.PutObject(ctx, key, nil, nil, objstore.PutOptions{SafeRetry: true}); err != nil {
			return nil, fmt.Errorf("write pointer %q: %w", key, err)
		}
		report.Written++
	}

	if len(stale) > 0 {
		outcomes, err := ix.store.DeleteObjects(ctx, stale)
		if err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return nil, fmt.Errorf("delete stale pointer %q: %w", o.Key, o.Err)
			}
			report.Deleted++
		}
	}

	ix.logger.WithFields(map[string]any{
		"scanned": report.Scanned,
		"written": report.Written,
		"deleted": report.Deleted,
	}).Info("partition rebuild complete")
	return report, nil
}

// primaryIDs lists every record id with a primary object.
func (ix *Index) primaryIDs(ctx context.Context) ([]string, error) {
	var ids []string
	token := ""
	for {
		page, err := ix.store.ListObjects(ctx, layout.DataPrefix(ix.resource), objstore.ListOptions{Token: token})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			id, ok := layout.RecordID(key)
			if !ok {
				ix.logger.WithField("key", key).Warn("skipping unparsable primary key")
				continue
			}
			ids = append(ids, id)
		}
		if !page.Truncated() {
			return ids, nil
		}
		token = page.NextToken
	}
}

// diffPointers walks the pointer space, removing every key it finds from
// expected. Keys left in expected afterwards are missing from the store;
// the returned slice holds keys present in the store but not expected.
func (ix *Index) diffPointers(ctx context.Context, expected map[string]struct{}) ([]string, error) {
	var stale []string
	token := ""
	for {
		page, err := ix.store.ListObjects(ctx, layout.PartitionsRoot(ix.resource), objstore.ListOptions{Token: token})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			if _, ok := expected[key]; ok {
				delete(expected, key)
			} else {
				stale = append(stale, key)
			}
		}
		if !page.Truncated() {
			return stale, nil
		}
		token = page.NextToken
	}
}
