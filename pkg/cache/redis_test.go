package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/config"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	r, err := NewRedis(context.Background(), config.CacheConfig{
		Driver:   "redis",
		RedisURL: mr.Addr(),
		TTL:      ttl,
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r, mr
}

func TestNewRedisRejectsUnreachableServer(t *testing.T) {
	_, err := NewRedis(context.Background(), config.CacheConfig{
		Driver:   "redis",
		RedisURL: "127.0.0.1:1",
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestNewRedisAcceptsURLForm(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	r, err := NewRedis(context.Background(), config.CacheConfig{
		Driver:   "redis",
		RedisURL: "redis://" + mr.Addr(),
	}, Options{})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	r.Set(ctx, "k", sampleEntry())
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
}

func TestNewRedisRejectsMalformedURL(t *testing.T) {
	_, err := NewRedis(context.Background(), config.CacheConfig{
		Driver:   "redis",
		RedisURL: "http://not-redis:6379",
	}, Options{})
	require.Error(t, err)
}

func TestRedisRoundTrip(t *testing.T) {
	r, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()

	key := "resource=orders/data/id=o1"
	r.Set(ctx, key, sampleEntry())

	assert.True(t, mr.Exists(redisKeyPrefix+key))

	got, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), got)
}

func TestRedisMiss(t *testing.T) {
	r, _ := newTestRedis(t, time.Minute)

	_, err := r.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisEntriesExpire(t *testing.T) {
	r, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()

	r.Set(ctx, "k", sampleEntry())

	ttl := mr.TTL(redisKeyPrefix + "k")
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCorruptValueIsDropped(t *testing.T) {
	r, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set(redisKeyPrefix+"k", "not json"))

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.False(t, mr.Exists(redisKeyPrefix+"k"))
}

func TestRedisDelete(t *testing.T) {
	r, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()

	r.Set(ctx, "k", sampleEntry())
	r.Delete(ctx, "k")

	assert.False(t, mr.Exists(redisKeyPrefix+"k"))
	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStats(t *testing.T) {
	r, _ := newTestRedis(t, time.Minute)
	ctx := context.Background()

	r.Set(ctx, "k", sampleEntry())
	_, err := r.Get(ctx, "k")
	require.NoError(t, err)
	_, err = r.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrMiss)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(-1), stats.Items)
	assert.Equal(t, "redis", r.Driver())
}
