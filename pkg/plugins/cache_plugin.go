package plugins

import (
	"context"
	"fmt"

	"github.com/platinummonkey/pannier/pkg/cache"
	"github.com/platinummonkey/pannier/pkg/db"
)

// CachePlugin attaches a read-through record cache to resources for as long
// as it runs. Start wires the cache into each named resource, Stop detaches
// it, so disabling the plugin restores uncached reads without touching the
// resources themselves.
//
// The caller keeps ownership of the backing store and closes it after the
// database disconnects; the plugin never closes it, which lets one store be
// shared across reconnects.
type CachePlugin struct {
	store     cache.Store
	resources []string

	host     *db.PluginHost
	rt       *cache.ReadThrough
	attached []*db.Resource
}

// NewCachePlugin caches reads of the named resources through store. With no
// names, every resource declared at start time is cached.
func NewCachePlugin(store cache.Store, resources ...string) *CachePlugin {
	return &CachePlugin{store: store, resources: resources}
}

func (p *CachePlugin) ID() string { return "cache" }

func (p *CachePlugin) Setup(ctx context.Context, host *db.PluginHost) error {
	if p.store == nil {
		return fmt.Errorf("cache plugin needs a store")
	}
	p.host = host
	p.rt = cache.NewReadThrough(p.store, cache.ReadThroughOptions{
		Logger: host.Logger().Logger,
	})
	return nil
}

func (p *CachePlugin) Start(ctx context.Context) error {
	names := p.resources
	if len(names) == 0 {
		names = p.host.DB().Resources()
	}
	var attached []*db.Resource
	for _, name := range names {
		r, err := p.host.DB().Resource(name)
		if err != nil {
			for _, done := range attached {
				done.AttachCache(nil)
			}
			return fmt.Errorf("cache plugin: %w", err)
		}
		r.AttachCache(p.rt)
		attached = append(attached, r)
	}
	p.attached = attached
	return nil
}

func (p *CachePlugin) Stop(ctx context.Context) error {
	for _, r := range p.attached {
		r.AttachCache(nil)
	}
	p.attached = nil
	return nil
}

// Stats reports hit and miss counts from the backing store.
func (p *CachePlugin) Stats() cache.Stats {
	return p.store.Stats()
}
