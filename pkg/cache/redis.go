package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/config"
)

const redisKeyPrefix = "pannier:cache:"

// Redis caches entries in a shared Redis instance, so a fleet of
// database handles pointed at the same bucket can share one working set.
// Values are JSON with a server-side TTL; Redis evicts, we never sweep.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis connects to the configured Redis and verifies it responds
// before handing the cache out.
func NewRedis(ctx context.Context, cfg config.CacheConfig, opts Options) (*Redis, error) {
	redisOpts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: opts.logger().WithField("component", "cache.redis"),
	}, nil
}

func redisOptions(cfg config.CacheConfig) (*redis.Options, error) {
	if strings.Contains(cfg.RedisURL, "://") {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis cache URL: %w", err)
		}
		return redisOpts, nil
	}
	return &redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, ErrMiss
	}
	if err != nil {
		r.misses.Add(1)
		return nil, fmt.Errorf("redis cache get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A value we cannot decode is as good as absent. Drop it so the
		// next write replaces it.
		r.misses.Add(1)
		r.client.Del(ctx, redisKeyPrefix+key)
		return nil, ErrMiss
	}
	r.hits.Add(1)
	return &entry, nil
}

func (r *Redis) Set(ctx context.Context, key string, entry *Entry) {
	if entry == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("failed to encode cache entry")
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err(); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("failed to write cache entry")
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("failed to drop cache entry")
	}
}

func (r *Redis) Stats() Stats {
	hits := r.hits.Load()
	misses := r.misses.Load()
	stats := Stats{
		Hits:   hits,
		Misses: misses,
		Items:  -1,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (r *Redis) Driver() string { return "redis" }

func (r *Redis) Close() error {
	return r.client.Close()
}
