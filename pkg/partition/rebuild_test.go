package partition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func mapLoader(records map[string]schema.Record) RecordLoader {
	return func(_ context.Context, id string) (schema.Record, error) {
		rec, ok := records[id]
		if !ok {
			return schema.Record{}, &errs.NotFoundError{Resource: "orders", ID: id}
		}
		return rec, nil
	}
}

func writePrimary(t *testing.T, store *objstore.FakeClient, id string) {
	t.Helper()
	_, err := store.PutObject(context.Background(), layout.Data("orders", id), nil, nil, objstore.PutOptions{})
	require.NoError(t, err)
}

func TestRebuildReconcilesPointerSpace(t *testing.T) {
	ix, store := newTestIndex(t)
	ctx := context.Background()

	records := map[string]schema.Record{
		"o1": orderRecord("o1", "eu", "open"),
		"o2": orderRecord("o2", "us", "closed"),
	}
	writePrimary(t, store, "o1")
	writePrimary(t, store, "o2")

	// o1 already has its by-status pointer; everything else is missing.
	require.NoError(t, ix.WritePointers(ctx, "o1", orderPartitions[:1], records["o1"]))
	// A pointer for a record that no longer exists.
	_, err := store.PutObject(ctx, "resource=orders/partitions/by-status/status=open/id=ghost", nil, nil, objstore.PutOptions{})
	require.NoError(t, err)

	report, err := ix.Rebuild(ctx, orderPartitions, mapLoader(records))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 3, report.Written, "one pointer already existed")
	assert.Equal(t, 1, report.Deleted)

	page, err := ix.List(ctx, orderPartitions, "by-status", nil, ListOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, listIDs(page))

	page, err = ix.List(ctx, orderPartitions, "by-region-status", map[string]schema.Value{
		"region": schema.String("us"),
	}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o2"}, listIDs(page))
}

func TestRebuildSkipsRecordsDeletedMidSweep(t *testing.T) {
	ix, store := newTestIndex(t)
	ctx := context.Background()

	// The primary is listed but the loader no longer finds the record.
	writePrimary(t, store, "o1")
	require.NoError(t, ix.WritePointers(ctx, "o1", orderPartitions, orderRecord("o1", "eu", "open")))

	report, err := ix.Rebuild(ctx, orderPartitions, mapLoader(nil))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Written)
	assert.Equal(t, 2, report.Deleted, "pointers of vanished records are orphans")
}

func TestRebuildWithZeroPartitionsClearsPointers(t *testing.T) {
	ix, store := newTestIndex(t)
	ctx := context.Background()

	records := map[string]schema.Record{"o1": orderRecord("o1", "eu", "open")}
	writePrimary(t, store, "o1")
	require.NoError(t, ix.WritePointers(ctx, "o1", orderPartitions, records["o1"]))

	report, err := ix.Rebuild(ctx, nil, mapLoader(records))
	require.NoError(t, err)

	assert.Zero(t, report.Written)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 1, store.ObjectCount(), "only the primary survives")
}

func TestRebuildIsIdempotent(t *testing.T) {
	ix, store := newTestIndex(t)
	ctx := context.Background()

	records := map[string]schema.Record{"o1": orderRecord("o1", "eu", "open")}
	writePrimary(t, store, "o1")

	_, err := ix.Rebuild(ctx, orderPartitions, mapLoader(records))
	require.NoError(t, err)
	first := store.Keys()

	report, err := ix.Rebuild(ctx, orderPartitions, mapLoader(records))
	require.NoError(t, err)
	assert.Zero(t, report.Written)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, first, store.Keys())
}

func TestRebuildSurfacesLoadFailures(t *testing.T) {
	ix, store := newTestIndex(t)
	ctx := context.Background()
	writePrimary(t, store, "o1")

	_, err := ix.Rebuild(ctx, orderPartitions, func(context.Context, string) (schema.Record, error) {
		return schema.Record{}, &errs.StoreUnavailableError{Op: "GetObject", Key: "o1"}
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeStoreUnavailable, errs.Code(err))
}

func TestRebuildSurfacesListFailures(t *testing.T) {
	ix, store := newTestIndex(t)
	store.FailNext("ListObjectsV2", &errs.StoreUnavailableError{Op: "ListObjectsV2"})

	_, err := ix.Rebuild(context.Background(), orderPartitions, mapLoader(nil))
	require.Error(t, err)
	assert.Equal(t, errs.CodeStoreUnavailable, errs.Code(err))
}
