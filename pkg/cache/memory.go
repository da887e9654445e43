package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process LRU cache with per-entry expiry. Entries are
// deep-copied on the way in and out, so callers never share state
// through the cache.
type Memory struct {
	entries *lru.LRU[string, *Entry]
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory builds a memory cache bounded to maxEntries entries, each
// expiring ttl after insertion. Zero values fall back to defaults.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Memory{
		entries: lru.NewLRU[string, *Entry](maxEntries, nil, ttl),
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, ErrMiss
	}
	m.hits.Add(1)
	return entry.Clone(), nil
}

func (m *Memory) Set(_ context.Context, key string, entry *Entry) {
	if entry == nil {
		return
	}
	m.entries.Add(key, entry.Clone())
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.entries.Remove(key)
}

func (m *Memory) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	stats := Stats{
		Hits:   hits,
		Misses: misses,
		Items:  int64(m.entries.Len()),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Close() error {
	m.entries.Purge()
	return nil
}
