package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/async"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func TestInsertManyWritesEveryRecord(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)

	recs := []schema.Record{
		orderRecord("o1", "new", 10),
		orderRecord("o2", "new", 20),
		orderRecord("o3", "done", 30),
	}
	agg := r.InsertMany(context.Background(), recs, BatchOptions{})

	require.NoError(t, agg.Err())
	assert.False(t, agg.Partial)
	require.Len(t, agg.Successes(), 3)
	assert.Equal(t, "o1", agg.Results[0].Input.ID, "results keep input order")
	assert.NotEmpty(t, agg.Successes()[0].ETag, "successes carry engine fields")

	keys := store.Keys()
	for _, id := range []string{"o1", "o2", "o3"} {
		assert.Contains(t, keys, "resource=orders/data/id="+id)
	}
}

func TestInsertManyIsolatesItemFailures(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	recs := []schema.Record{
		orderRecord("o1", "new", 10),
		{ID: "bad", Attributes: map[string]schema.Value{"total": schema.Number(1)}},
		orderRecord("o3", "new", 30),
	}
	agg := r.InsertMany(ctx, recs, BatchOptions{Concurrency: 1})

	require.Error(t, agg.Err())
	assert.False(t, agg.Partial, "every item still ran")
	assert.Len(t, agg.Successes(), 2)

	failures := agg.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.True(t, errs.IsValidation(failures[0].Err))

	ok, err := r.Exists(ctx, "o3")
	require.NoError(t, err)
	assert.True(t, ok, "items after the failure still ran")
}

func TestInsertManyStopOnError(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)

	recs := []schema.Record{
		{ID: "bad", Attributes: map[string]schema.Value{"total": schema.Number(1)}},
		orderRecord("o2", "new", 20),
		orderRecord("o3", "new", 30),
	}
	agg := r.InsertMany(context.Background(), recs, BatchOptions{Concurrency: 1, StopOnError: true})

	require.Error(t, agg.Err())
	assert.True(t, agg.Partial)
	assert.Empty(t, agg.Successes())
	assert.True(t, errs.IsValidation(agg.Results[0].Err))
	assert.ErrorIs(t, agg.Results[2].Err, async.ErrSkipped)

	assert.NotContains(t, store.Keys(), "resource=orders/data/id=o2")
	assert.NotContains(t, store.Keys(), "resource=orders/data/id=o3")
}

func TestGetManyReportsMissingPerItem(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o3"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	agg := r.GetMany(ctx, []string{"o1", "o2", "o3"}, BatchOptions{})
	require.Error(t, agg.Err())
	assert.Len(t, agg.Successes(), 2)

	failures := agg.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "o2", failures[0].Input)
	assert.True(t, errs.IsNotFound(failures[0].Err))
}

func TestDeleteManyIsIdempotent(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	agg := r.DeleteMany(ctx, []string{"o1", "o2", "ghost"}, BatchOptions{Concurrency: 1})
	require.NoError(t, agg.Err(), "deleting an absent id counts as success")
	assert.Equal(t, []string{"o1", "o2", "ghost"}, agg.Successes())

	assert.Equal(t, []string{"s3db.json"}, store.Keys())
}
