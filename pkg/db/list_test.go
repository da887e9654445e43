package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func recordIDs(recs []schema.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

func TestListReturnsRecordsInIDOrder(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o3", "o1", "o2"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	recs, err := r.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2", "o3"}, recordIDs(recs))
}

func TestListEmptyResource(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)

	recs, err := r.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListLimitOffsetFilter(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	statuses := map[string]string{"o1": "new", "o2": "done", "o3": "new", "o4": "done", "o5": "new"}
	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		_, err := r.Insert(ctx, orderRecord(id, statuses[id], 10), InsertOptions{})
		require.NoError(t, err)
	}

	isNew := func(rec schema.Record) bool {
		return rec.Get("status").Equal(schema.String("new"))
	}

	recs, err := r.List(ctx, ListOptions{Filter: isNew})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o3", "o5"}, recordIDs(recs))

	recs, err = r.List(ctx, ListOptions{Filter: isNew, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"o3", "o5"}, recordIDs(recs), "offset applies to filtered results")

	recs, err = r.List(ctx, ListOptions{Filter: isNew, Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"o3"}, recordIDs(recs))

	recs, err = r.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, recordIDs(recs))
}

func TestListSkipsObjectsTheEngineDidNotWrite(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	// A backup tool drops files under the data prefix: one with a parsable
	// id but no version stamp, one with an unparsable key.
	_, err := store.PutObject(ctx, "resource=orders/data/id=zzz", []byte("{}"), map[string]string{"origin": "backup"}, objstore.PutOptions{})
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "resource=orders/data/README", []byte("do not touch"), nil, objstore.PutOptions{})
	require.NoError(t, err)

	recs, err := r.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, recordIDs(recs))
}

func ticketsResource(t *testing.T, db *Database) *Resource {
	t.Helper()
	r, err := db.CreateResource(context.Background(), ResourceSpec{
		Name: "tickets",
		Attributes: schema.Attributes{
			"customer": "string|required",
			"status":   "string|required",
		},
		Partitions: []partition.Partition{{
			Name: "byCustomerStatus",
			Fields: []partition.Field{
				{Name: "customer", Type: partition.TypeString},
				{Name: "status", Type: partition.TypeString},
			},
		}},
	})
	require.NoError(t, err)
	return r
}

func ticket(id, customer, status string) schema.Record {
	return schema.Record{ID: id, Attributes: map[string]schema.Value{
		"customer": schema.String(customer),
		"status":   schema.String(status),
	}}
}

func TestListByPartitionSelector(t *testing.T) {
	db, _ := newTestDB(t)
	r := ticketsResource(t, db)
	ctx := context.Background()

	for _, rec := range []schema.Record{
		ticket("t1", "acme", "new"),
		ticket("t2", "acme", "done"),
		ticket("t3", "globex", "new"),
	} {
		_, err := r.Insert(ctx, rec, InsertOptions{})
		require.NoError(t, err)
	}

	recs, err := r.ListByPartition(ctx, "byCustomerStatus", map[string]schema.Value{
		"customer": schema.String("acme"),
		"status":   schema.String("new"),
	}, PartitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, recordIDs(recs))

	recs, err = r.ListByPartition(ctx, "byCustomerStatus", map[string]schema.Value{
		"customer": schema.String("acme"),
	}, PartitionOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, recordIDs(recs), "a selector prefix widens the listing")

	recs, err = r.ListByPartition(ctx, "byCustomerStatus", nil, PartitionOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, recordIDs(recs))
}

func TestListByPartitionSelectorErrors(t *testing.T) {
	db, _ := newTestDB(t)
	r := ticketsResource(t, db)
	ctx := context.Background()

	// Binding status without customer skips a declared field.
	_, err := r.ListByPartition(ctx, "byCustomerStatus", map[string]schema.Value{
		"status": schema.String("new"),
	}, PartitionOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	_, err = r.ListByPartition(ctx, "byCustomerStatus", map[string]schema.Value{
		"color": schema.String("red"),
	}, PartitionOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	_, err = r.ListByPartition(ctx, "byColor", nil, PartitionOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnknownPartition, errs.Code(err))
}

func TestListByPartitionLimit(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	recs, err := r.ListByPartition(ctx, "byStatus", map[string]schema.Value{
		"status": schema.String("new"),
	}, PartitionOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestListByPartitionReclaimsOrphanPointers(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	// Remove o2's primary object behind the engine's back, leaving its
	// pointer orphaned.
	require.NoError(t, store.DeleteObject(ctx, "resource=orders/data/id=o2"))

	recs, err := r.ListByPartition(ctx, "byStatus", map[string]schema.Value{
		"status": schema.String("new"),
	}, PartitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, recordIDs(recs))
	assert.NotContains(t, store.Keys(), "resource=orders/partitions/byStatus/status=new/id=o2",
		"the orphan pointer is reclaimed during the listing")
}

func streamIDs(t *testing.T, s *Stream) []string {
	t.Helper()
	var ids []string
	for s.Next() {
		ids = append(ids, s.Record().ID)
	}
	require.NoError(t, s.Err())
	return ids
}

func TestStreamWalksEveryRecord(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	s := r.Stream(ctx, StreamOptions{PageSize: 2})
	assert.Equal(t, []string{"o1", "o2", "o3", "o4", "o5"}, streamIDs(t, s))
	assert.Empty(t, s.ResumeToken(), "an exhausted stream has no resume position")
}

func TestCountMatchesExhaustiveStream(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3", "o4"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, r.Delete(ctx, "o3"))

	n, err := r.Count(ctx)
	require.NoError(t, err)
	walked := streamIDs(t, r.Stream(ctx, StreamOptions{PageSize: 2}))
	assert.Equal(t, n, len(walked))
}

func TestStreamResumesAtPageBoundary(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	s := r.Stream(ctx, StreamOptions{PageSize: 2})
	require.True(t, s.Next())
	require.True(t, s.Next())
	require.Equal(t, "o2", s.Record().ID)

	token := s.ResumeToken()
	require.NotEmpty(t, token)

	resumed := r.Stream(ctx, StreamOptions{PageSize: 2, Token: token})
	assert.Equal(t, []string{"o3", "o4", "o5"}, streamIDs(t, resumed))
}

func TestStreamResumeMidPageRedeliversThePage(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	s := r.Stream(ctx, StreamOptions{PageSize: 2})
	for i := 0; i < 3; i++ {
		require.True(t, s.Next())
	}
	require.Equal(t, "o3", s.Record().ID)

	// o3 sits mid-page, so the token restarts its page: o3 comes again.
	resumed := r.Stream(ctx, StreamOptions{PageSize: 2, Token: s.ResumeToken()})
	assert.Equal(t, []string{"o3", "o4", "o5"}, streamIDs(t, resumed))
}

func TestStreamAbandonedEarlyStopsRequesting(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		_, err := r.Insert(ctx, orderRecord(id, "new", 10), InsertOptions{})
		require.NoError(t, err)
	}

	before := store.CallCount.List
	s := r.Stream(ctx, StreamOptions{PageSize: 2})
	require.True(t, s.Next())

	assert.Equal(t, before+1, store.CallCount.List, "one page fetched, nothing prefetched")
}

func TestStreamSurfacesListFailures(t *testing.T) {
	db, store := newTestDB(t)
	r := ordersResource(t, db)
	ctx := context.Background()

	_, err := r.Insert(ctx, orderRecord("o1", "new", 10), InsertOptions{})
	require.NoError(t, err)

	store.FailNext("ListObjectsV2", &errs.StoreUnavailableError{Op: "ListObjectsV2"})
	s := r.Stream(ctx, StreamOptions{})
	assert.False(t, s.Next())
	assert.Error(t, s.Err())
}

func TestStreamEmptyResource(t *testing.T) {
	db, _ := newTestDB(t)
	r := ordersResource(t, db)

	s := r.Stream(context.Background(), StreamOptions{})
	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
	assert.Empty(t, s.ResumeToken())
}
