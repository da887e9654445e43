package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/config"
)

// ErrMiss reports a key absent from the cache.
var ErrMiss = errors.New("cache miss")

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 1024
)

// Entry is one cached record image: the encoded object exactly as the
// store returned it. Secrets stay encrypted inside a cached entry, so a
// shared backend like Redis never holds plaintext.
type Entry struct {
	Metadata map[string]string `json:"metadata"`
	Body     []byte            `json:"body,omitempty"`
	ETag     string            `json:"etag"`
}

// Clone returns a deep copy, so callers can hand out cached entries
// without sharing mutable state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{ETag: e.ETag}
	if e.Metadata != nil {
		clone.Metadata = maps.Clone(e.Metadata)
	}
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return clone
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	// Items is the resident entry count, or -1 when the backend cannot
	// report it cheaply.
	Items int64
}

// Store is one cache backend. Get returns ErrMiss for absent keys and a
// real error for backend trouble; Set and Delete are best-effort and
// swallow backend failures after logging, since a cache that errors must
// never break a read path that would have worked without it.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry)
	Delete(ctx context.Context, key string)
	Stats() Stats
	Driver() string
	Close() error
}

// Options carries shared wiring for cache construction.
type Options struct {
	Logger *logrus.Logger
}

func (o Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// New builds the driver named by the configuration.
func New(ctx context.Context, cfg config.CacheConfig, opts Options) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.MaxEntries, cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
