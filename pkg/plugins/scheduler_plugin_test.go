package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/schema"
)

const sweepLockKey = "plugin=scheduler/locks/sweep"

func plantLock(t *testing.T, store *objstore.FakeClient, holder string, expiresAt time.Time) {
	t.Helper()
	body, err := json.Marshal(lockLease{Holder: holder, ExpiresAt: expiresAt})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), sweepLockKey, body, nil, objstore.PutOptions{})
	require.NoError(t, err)
}

func historyRecords(t *testing.T, database *db.Database, job string) []schema.Record {
	t.Helper()
	history, err := database.Resource("scheduler-runs")
	require.NoError(t, err)
	records, err := history.ListByPartition(context.Background(), "byJob",
		map[string]schema.Value{"job": schema.String(job)}, db.PartitionOptions{})
	require.NoError(t, err)
	return records
}

func TestSchedulerRunsJobNow(t *testing.T) {
	database, store := newTestDB(t)
	ctx := context.Background()

	var ran atomic.Int64
	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		},
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	assert.Contains(t, database.Resources(), "scheduler-runs", "history resource declared at setup")

	require.NoError(t, plugin.RunNow(ctx, "sweep"))
	assert.Equal(t, int64(1), ran.Load())

	records := historyRecords(t, database, "sweep")
	require.Len(t, records, 1)
	assert.True(t, records[0].Get("ok").Equal(schema.Bool(true)))
	assert.True(t, records[0].Get("holder").Equal(schema.String(plugin.holder)))
	assert.True(t, records[0].Get("error").IsNull())

	assert.NotContains(t, store.Keys(), sweepLockKey, "lock released after the run")
}

func TestSchedulerRunNowUnknownJob(t *testing.T) {
	database, _ := newTestDB(t)
	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run:  func(ctx context.Context) error { return nil },
	})
	require.NoError(t, database.UsePlugin(context.Background(), plugin))

	err := plugin.RunNow(context.Background(), "compact")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown job "compact"`)
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	database, store := newTestDB(t)
	ctx := context.Background()

	var ran atomic.Int64
	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		},
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	plantLock(t, store, "another-instance", time.Now().UTC().Add(time.Hour))

	require.NoError(t, plugin.RunNow(ctx, "sweep"), "a held lock skips silently")
	assert.Zero(t, ran.Load())
	assert.Empty(t, historyRecords(t, database, "sweep"), "skipped runs leave no history")

	obj, err := store.GetObject(ctx, sweepLockKey)
	require.NoError(t, err)
	var lease lockLease
	require.NoError(t, json.Unmarshal(obj.Body, &lease))
	assert.Equal(t, "another-instance", lease.Holder, "foreign lock untouched")
}

func TestSchedulerStealsExpiredLock(t *testing.T) {
	database, store := newTestDB(t)
	ctx := context.Background()

	var ran atomic.Int64
	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		},
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	plantLock(t, store, "crashed-instance", time.Now().UTC().Add(-time.Minute))

	require.NoError(t, plugin.RunNow(ctx, "sweep"))
	assert.Equal(t, int64(1), ran.Load(), "expired lock is stolen")
	assert.NotContains(t, store.Keys(), sweepLockKey, "stolen lock released after the run")
}

func TestSchedulerRecordsFailedRuns(t *testing.T) {
	database, _ := newTestDB(t)
	ctx := context.Background()

	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run:  func(ctx context.Context) error { return errors.New("bucket on fire") },
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	err := plugin.RunNow(ctx, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket on fire")

	records := historyRecords(t, database, "sweep")
	require.Len(t, records, 1)
	assert.True(t, records[0].Get("ok").Equal(schema.Bool(false)))
	assert.True(t, records[0].Get("error").Equal(schema.String("bucket on fire")))
}

func TestSchedulerRecoversPanickedJob(t *testing.T) {
	database, _ := newTestDB(t)
	ctx := context.Background()

	plugin := NewSchedulerPlugin(SchedulerOptions{}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run:  func(ctx context.Context) error { panic("slice out of range") },
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	err := plugin.RunNow(ctx, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	records := historyRecords(t, database, "sweep")
	require.Len(t, records, 1)
	assert.True(t, records[0].Get("ok").Equal(schema.Bool(false)))
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	database, _ := newTestDB(t)
	ctx := context.Background()

	var ran atomic.Int64
	plugin := NewSchedulerPlugin(SchedulerOptions{DisableHistory: true}, Job{
		Name: "tick",
		Spec: "@every 25ms",
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		},
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	require.Eventually(t, func() bool { return ran.Load() >= 2 }, 2*time.Second, time.Millisecond)

	// Stop waits for running jobs, so the count is stable afterwards.
	require.NoError(t, database.DisablePlugin(ctx, "scheduler"))
	settled := ran.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, ran.Load())
}

func TestSchedulerHistoryCanBeDisabled(t *testing.T) {
	database, _ := newTestDB(t)
	ctx := context.Background()

	plugin := NewSchedulerPlugin(SchedulerOptions{DisableHistory: true}, Job{
		Name: "sweep",
		Spec: "@every 1h",
		Run:  func(ctx context.Context) error { return nil },
	})
	require.NoError(t, database.UsePlugin(ctx, plugin))

	require.NoError(t, plugin.RunNow(ctx, "sweep"))
	assert.NotContains(t, database.Resources(), "scheduler-runs")
}

func TestSchedulerSetupValidation(t *testing.T) {
	run := func(ctx context.Context) error { return nil }

	t.Run("bad spec", func(t *testing.T) {
		database, _ := newTestDB(t)
		err := database.UsePlugin(context.Background(), NewSchedulerPlugin(SchedulerOptions{},
			Job{Name: "sweep", Spec: "not-cron", Run: run}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid schedule "not-cron"`)
	})

	t.Run("duplicate name", func(t *testing.T) {
		database, _ := newTestDB(t)
		err := database.UsePlugin(context.Background(), NewSchedulerPlugin(SchedulerOptions{},
			Job{Name: "sweep", Spec: "@hourly", Run: run},
			Job{Name: "sweep", Spec: "@daily", Run: run}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"sweep" declared twice`)
	})

	t.Run("missing run", func(t *testing.T) {
		database, _ := newTestDB(t)
		err := database.UsePlugin(context.Background(), NewSchedulerPlugin(SchedulerOptions{},
			Job{Name: "sweep", Spec: "@hourly"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no Run function")
	})
}

func TestSchedulerSharedBucketSingleRunner(t *testing.T) {
	// Two databases over one store model two engine instances sharing a
	// bucket. Only one of them may run a given job at a time.
	store := objstore.NewFake()
	openDB := func() *db.Database {
		database, err := db.New(fakeConfig(), db.Options{Logger: quietLogger(), Store: store})
		require.NoError(t, err)
		require.NoError(t, database.Connect(context.Background()))
		t.Cleanup(func() { _ = database.Disconnect(context.Background()) })
		return database
	}
	first := openDB()
	second := openDB()
	ctx := context.Background()

	gate := make(chan struct{})
	var firstRuns, secondRuns atomic.Int64
	firstPlugin := NewSchedulerPlugin(SchedulerOptions{DisableHistory: true}, Job{
		Name:    "sweep",
		Spec:    "@every 1h",
		LockTTL: time.Minute,
		Run: func(ctx context.Context) error {
			firstRuns.Add(1)
			<-gate
			return nil
		},
	})
	secondPlugin := NewSchedulerPlugin(SchedulerOptions{DisableHistory: true}, Job{
		Name:    "sweep",
		Spec:    "@every 1h",
		LockTTL: time.Minute,
		Run: func(ctx context.Context) error {
			secondRuns.Add(1)
			return nil
		},
	})
	require.NoError(t, first.UsePlugin(ctx, firstPlugin))
	require.NoError(t, second.UsePlugin(ctx, secondPlugin))

	done := make(chan error, 1)
	go func() { done <- firstPlugin.RunNow(ctx, "sweep") }()
	require.Eventually(t, func() bool { return firstRuns.Load() == 1 }, 2*time.Second, time.Millisecond)

	// The first instance holds the lock mid-run; the second must skip.
	require.NoError(t, secondPlugin.RunNow(ctx, "sweep"))
	assert.Zero(t, secondRuns.Load())

	close(gate)
	require.NoError(t, <-done)

	// Lock released; now the second instance can run.
	require.NoError(t, secondPlugin.RunNow(ctx, "sweep"))
	assert.Equal(t, int64(1), secondRuns.Load())
}
