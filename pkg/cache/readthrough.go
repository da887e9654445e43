package cache

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/pannier/pkg/observability"
)

// Loader fetches the authoritative copy of an entry when the cache
// cannot serve it.
type Loader func(ctx context.Context) (*Entry, error)

// ReadThrough wraps a Store with miss coalescing: concurrent misses on
// the same key share a single upstream load instead of stampeding the
// object store. Failed loads are returned to every waiter and never
// populate the cache.
type ReadThrough struct {
	store   Store
	group   singleflight.Group
	logger  *logrus.Entry
	metrics *observability.Metrics
}

// ReadThroughOptions carries wiring for NewReadThrough.
type ReadThroughOptions struct {
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// NewReadThrough wraps store. A nil metrics registry disables counters.
func NewReadThrough(store Store, opts ReadThroughOptions) *ReadThrough {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReadThrough{
		store:   store,
		logger:  logger.WithField("component", "cache"),
		metrics: opts.Metrics,
	}
}

// Get serves key from the cache, or loads it through load on a miss and
// caches the result. Backend errors from the cache itself degrade to a
// miss so a sick cache never blocks reads.
func (rt *ReadThrough) Get(ctx context.Context, key string, load Loader) (*Entry, error) {
	entry, err := rt.store.Get(ctx, key)
	if err == nil {
		rt.hit()
		return entry, nil
	}
	if !errors.Is(err, ErrMiss) {
		rt.logger.WithError(err).WithField("key", key).Warn("cache read failed, falling through")
	}
	rt.miss()

	value, err, _ := rt.group.Do(key, func() (any, error) {
		// Another flight may have filled the key while we queued.
		if entry, err := rt.store.Get(ctx, key); err == nil {
			return entry, nil
		}
		entry, err := load(ctx)
		if err != nil {
			return nil, err
		}
		rt.store.Set(ctx, key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Entry), nil
}

// Invalidate drops key from the cache and forgets any in-flight load, so
// the next read observes the write that triggered the invalidation.
func (rt *ReadThrough) Invalidate(ctx context.Context, key string) {
	rt.group.Forget(key)
	rt.store.Delete(ctx, key)
}

// Put primes the cache with a freshly written entry.
func (rt *ReadThrough) Put(ctx context.Context, key string, entry *Entry) {
	rt.store.Set(ctx, key, entry)
}

// Stats reports the wrapped store's counters.
func (rt *ReadThrough) Stats() Stats { return rt.store.Stats() }

// Close releases the wrapped store.
func (rt *ReadThrough) Close() error { return rt.store.Close() }

func (rt *ReadThrough) hit() {
	if rt.metrics != nil {
		rt.metrics.CacheHitsTotal.WithLabelValues(rt.store.Driver()).Inc()
	}
}

func (rt *ReadThrough) miss() {
	if rt.metrics != nil {
		rt.metrics.CacheMissesTotal.WithLabelValues(rt.store.Driver()).Inc()
	}
}
