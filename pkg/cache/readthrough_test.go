package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/observability"
)

// countingLoader hands out entries and counts upstream reads. When gate
// is set, loads block until the gate closes.
type countingLoader struct {
	calls atomic.Int64
	gate  chan struct{}
	entry *Entry
	fail  error
}

func (l *countingLoader) load(ctx context.Context) (*Entry, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.fail != nil {
		return nil, l.fail
	}
	return l.entry.Clone(), nil
}

func TestReadThroughLoadsOnMissAndCaches(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{})
	loader := &countingLoader{entry: sampleEntry()}

	got, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, int64(1), loader.calls.Load())

	got, err = rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, int64(1), loader.calls.Load(), "second read must be served from cache")
}

func TestReadThroughCoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{})
	loader := &countingLoader{entry: sampleEntry(), gate: make(chan struct{})}

	const readers = 8
	results := make([]*Entry, readers)
	errs := make([]error, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rt.Get(ctx, "k", loader.load)
		}(i)
	}

	// Let the readers pile up behind the single in-flight load, then
	// release it.
	time.Sleep(50 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "etag-1", results[i].ETag)
	}
	assert.Equal(t, int64(1), loader.calls.Load(), "concurrent misses must share one upstream read")
}

func TestReadThroughNeverCachesFailedLoads(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{})

	boom := errors.New("store unavailable")
	loader := &countingLoader{fail: boom}

	_, err := rt.Get(ctx, "k", loader.load)
	require.ErrorIs(t, err, boom)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss, "failed load must not populate the cache")

	loader.fail = nil
	loader.entry = sampleEntry()
	got, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, int64(2), loader.calls.Load())
}

func TestReadThroughInvalidate(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{})
	loader := &countingLoader{entry: sampleEntry()}

	_, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)

	rt.Invalidate(ctx, "k")

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loader.calls.Load())
}

func TestReadThroughPutPrimesTheCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{})
	loader := &countingLoader{fail: errors.New("must not be called")}

	rt.Put(ctx, "k", sampleEntry())

	got, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, int64(0), loader.calls.Load())
}

func TestReadThroughCountsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := NewMemory(16, time.Minute)
	rt := NewReadThrough(store, ReadThroughOptions{Metrics: metrics})
	loader := &countingLoader{entry: sampleEntry()}

	_, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	_, err = rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("memory")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("memory")))
}

// brokenStore errors on every read so the wrapper has to fall through.
type brokenStore struct {
	*Memory
}

func (b *brokenStore) Get(ctx context.Context, key string) (*Entry, error) {
	return nil, errors.New("backend down")
}

func TestReadThroughFallsThroughSickBackend(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{Memory: NewMemory(16, time.Minute)}
	rt := NewReadThrough(store, ReadThroughOptions{})
	loader := &countingLoader{entry: sampleEntry()}

	got, err := rt.Get(ctx, "k", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, int64(1), loader.calls.Load())
}
