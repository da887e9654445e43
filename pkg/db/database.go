package db

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/pannier/pkg/cache"
	"github.com/platinummonkey/pannier/pkg/codec"
	"github.com/platinummonkey/pannier/pkg/config"
	"github.com/platinummonkey/pannier/pkg/costs"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/events"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/observability"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// resourceNamePattern bounds resource names so they can appear raw inside
// object keys.
var resourceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Options carries optional collaborators for a Database. All fields may be
// left zero.
type Options struct {
	// Logger for the database and every subsystem. Defaults to a logger
	// built from the observability configuration.
	Logger *logrus.Logger

	// Metrics receives engine instrumentation. Defaults to a fresh metric
	// set on a private registry.
	Metrics *observability.Metrics

	// Store overrides the object store client built from the store
	// configuration. Intended for tests and embedders; when set, the
	// configured retry layer and cost reporting are the caller's business.
	Store objstore.Client
}

// Database is the top-level handle: it owns the manifest, the resources,
// the event bus and the plugin set. A Database must be connected before
// resources can be created or used.
type Database struct {
	cfg     *config.Config
	logger  *logrus.Logger
	log     *logrus.Entry
	metrics *observability.Metrics

	store    objstore.Client
	codec    *codec.Codec
	bus      *events.Bus
	costs    *costs.Accountant
	manifest *manifestStore
	health   *observability.HealthChecker
	cache    *cache.ReadThrough

	mu        sync.RWMutex
	resources map[string]*Resource
	hookSubs  []*dbHook
	connected bool

	plugins *pluginSet
}

// dbHook is a hook registration that also applies to resources created
// after it was made. Pattern is a resource name or "*". Handles collects
// the per-resource registrations so closing the database-level handle
// detaches them everywhere at once.
type dbHook struct {
	pattern string
	kind    string
	op      string
	hook    Hook

	mu      sync.Mutex
	handles []*HookHandle
	closed  bool
}

// attach registers the hook on one resource and remembers the handle.
func (dh *dbHook) attach(r *Resource) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	if dh.closed {
		return
	}
	dh.handles = append(dh.handles, r.hooks.add(dh.kind, dh.op, dh.hook))
}

func (dh *dbHook) close() {
	dh.mu.Lock()
	handles := dh.handles
	dh.handles = nil
	dh.closed = true
	dh.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

// HookResource registers a hook on every existing and future resource whose
// name matches pattern ("*" matches all). Phase follows Resource.Hook.
// Close the returned handle to detach it from every resource at once.
func (db *Database) HookResource(pattern, phase string, fn Hook) (*HookHandle, error) {
	kind, op, err := parsePhase(phase)
	if err != nil {
		return nil, err
	}
	dh := &dbHook{pattern: pattern, kind: kind, op: op, hook: fn}

	db.mu.Lock()
	db.hookSubs = append(db.hookSubs, dh)
	for name, r := range db.resources {
		if pattern == "*" || pattern == name {
			dh.attach(r)
		}
	}
	db.mu.Unlock()

	return &HookHandle{release: func() {
		db.mu.Lock()
		for i, cur := range db.hookSubs {
			if cur == dh {
				db.hookSubs = append(db.hookSubs[:i], db.hookSubs[i+1:]...)
				break
			}
		}
		db.mu.Unlock()
		dh.close()
	}}, nil
}

// New builds a Database from configuration. No I/O happens until Connect.
func New(cfg *config.Config, opts Options) (*Database, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	db := &Database{
		cfg:     cfg,
		logger:  logger,
		log:     logger.WithField("component", "database"),
		metrics: metrics,
		codec: codec.New(codec.Options{
			EncryptionKey:        cfg.Engine.EncryptionKey,
			MetadataBudget:       cfg.Engine.MetadataBudget,
			CompressionThreshold: cfg.Engine.CompressionThreshold,
		}),
		bus:       events.New(events.Options{Logger: logger, Metrics: metrics}),
		costs:     costs.NewAccountant(costs.DefaultPricing()),
		health:    observability.NewHealthChecker(),
		store:     opts.Store,
		resources: map[string]*Resource{},
		plugins:   newPluginSet(),
	}
	return db, nil
}

// Connect opens the database: it reaches the object store, loads or
// initializes the manifest, instantiates every manifest-recorded resource,
// and runs plugin setup and start in dependency order. Connecting an
// already connected database is a no-op.
func (db *Database) Connect(ctx context.Context) error {
	db.mu.Lock()
	if db.connected {
		db.mu.Unlock()
		return nil
	}

	if db.store == nil {
		store, err := objstore.New(ctx, db.cfg.Store, objstore.Options{
			Logger:   db.logger,
			Reporter: db.costs,
			Metrics:  db.metrics,
		})
		if err != nil {
			db.mu.Unlock()
			return err
		}
		db.store = store
	}
	if _, limited := db.store.(*limitClient); !limited {
		db.store = limitConcurrency(db.store, db.cfg.Engine.Concurrency)
	}

	if err := db.store.Ping(ctx); err != nil {
		db.mu.Unlock()
		return err
	}
	db.health.Register("objstore", db.store.Ping)

	if db.cfg.Cache.Enabled {
		store, err := cache.New(ctx, db.cfg.Cache, cache.Options{Logger: db.logger})
		if err != nil {
			db.mu.Unlock()
			return err
		}
		db.cache = cache.NewReadThrough(store, cache.ReadThroughOptions{
			Logger:  db.logger,
			Metrics: db.metrics,
		})
	}

	db.manifest = newManifestStore(db.store, db.logger, db.metrics, db.cfg.Engine.ManifestMaxRetries)
	if err := db.manifest.Load(ctx); err != nil {
		db.mu.Unlock()
		return err
	}

	snapshot := db.manifest.Snapshot()
	for name, mres := range snapshot.Resources {
		r, err := db.buildResource(name, mres)
		if err != nil {
			db.mu.Unlock()
			return fmt.Errorf("failed to restore resource %q: %w", name, err)
		}
		db.resources[name] = r
	}
	db.connected = true
	db.mu.Unlock()

	if err := db.startPlugins(ctx, snapshot); err != nil {
		return err
	}

	db.log.WithFields(logrus.Fields{
		"backend":   db.store.Backend(),
		"resources": len(snapshot.Resources),
		"plugins":   db.plugins.count(),
	}).Info("database connected")
	return nil
}

// Disconnect stops plugins in reverse dependency order, flushes the event
// bus and releases the handle. Records already persisted are untouched.
func (db *Database) Disconnect(ctx context.Context) error {
	db.mu.Lock()
	if !db.connected {
		db.mu.Unlock()
		return nil
	}
	db.connected = false
	db.mu.Unlock()

	db.stopPlugins(ctx)
	db.bus.Close()
	if db.cache != nil {
		if err := db.cache.Close(); err != nil {
			db.log.WithError(err).Warn("failed to close record cache")
		}
	}
	db.log.Info("database disconnected")
	return nil
}

// ResourceSpec declares a new resource.
type ResourceSpec struct {
	Name       string
	Attributes schema.Attributes
	Partitions []partition.Partition
	Behavior   codec.Behavior
}

// CreateResource persists a resource declaration as schema version v0 and
// returns a live handle. Creating a name that already exists fails with
// AlreadyExists, including when a concurrent handle wins the race.
func (db *Database) CreateResource(ctx context.Context, spec ResourceSpec) (*Resource, error) {
	if err := db.requireConnected(); err != nil {
		return nil, err
	}
	if !resourceNamePattern.MatchString(spec.Name) {
		return nil, &errs.ValidationError{Resource: spec.Name, Fields: []errs.FieldError{{
			Field:   "name",
			Message: "resource names must start with a letter and contain only letters, digits, _ and -",
		}}}
	}

	vs, err := schema.NewVersionSet(spec.Attributes)
	if err != nil {
		return nil, err
	}
	if err := partition.ValidateAll(spec.Partitions, vs.Current()); err != nil {
		return nil, err
	}

	entry := &manifestResource{
		CurrentVersion: vs.CurrentVersion(),
		Versions: map[string]manifestVersion{
			vs.CurrentVersion(): {
				Attributes: vs.Current().Declaration(),
				Partitions: spec.Partitions,
			},
		},
		Behavior: spec.Behavior.String(),
	}
	err = db.manifest.Update(ctx, func(m *manifest) error {
		if _, exists := m.Resources[spec.Name]; exists {
			return &errs.AlreadyExistsError{Resource: spec.Name}
		}
		m.Resources[spec.Name] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	r, err := db.buildResource(spec.Name, entry)
	if err != nil {
		db.mu.Unlock()
		return nil, err
	}
	db.resources[spec.Name] = r
	db.mu.Unlock()

	db.log.WithFields(logrus.Fields{
		"resource":   spec.Name,
		"behavior":   spec.Behavior.String(),
		"partitions": len(spec.Partitions),
	}).Info("resource created")
	return r, nil
}

// Resource returns the handle for a declared resource.
func (db *Database) Resource(name string) (*Resource, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	r, ok := db.resources[name]
	if !ok {
		return nil, &errs.NotFoundError{Resource: name}
	}
	return r, nil
}

// Resources lists declared resource names in lexicographic order.
func (db *Database) Resources() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.resources))
	for name := range db.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropResourceOptions controls what dropping a resource removes.
type DropResourceOptions struct {
	// Purge also deletes every stored object of the resource. By default
	// the data is preserved and only the declaration is removed.
	Purge bool
}

// DropResource removes a resource from the manifest. Its objects are kept
// unless Purge is set.
func (db *Database) DropResource(ctx context.Context, name string, opts DropResourceOptions) error {
	if err := db.requireConnected(); err != nil {
		return err
	}
	err := db.manifest.Update(ctx, func(m *manifest) error {
		if _, ok := m.Resources[name]; !ok {
			return &errs.NotFoundError{Resource: name}
		}
		delete(m.Resources, name)
		return nil
	})
	if err != nil {
		return err
	}

	db.mu.Lock()
	delete(db.resources, name)
	db.mu.Unlock()

	if opts.Purge {
		if err := db.purgePrefix(ctx, layout.ResourceRoot(name)); err != nil {
			return fmt.Errorf("resource %q dropped but purge failed: %w", name, err)
		}
	}
	db.log.WithFields(logrus.Fields{"resource": name, "purged": opts.Purge}).Info("resource dropped")
	return nil
}

// Events exposes the database event bus.
func (db *Database) Events() *events.Bus { return db.bus }

// Costs reports accumulated object store usage and its estimated price.
func (db *Database) Costs() costs.Snapshot { return db.costs.Snapshot() }

// Health probes the database's dependencies.
func (db *Database) Health(ctx context.Context) observability.HealthStatus {
	return db.health.Check(ctx)
}

func (db *Database) requireConnected() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.connected {
		return fmt.Errorf("database is not connected")
	}
	return nil
}

// buildResource wires a Resource from its manifest entry, applying any
// resource hooks whose pattern matches. Callers hold db.mu.
func (db *Database) buildResource(name string, mres *manifestResource) (*Resource, error) {
	declarations := make(map[string]schema.Attributes, len(mres.Versions))
	for tag, v := range mres.Versions {
		declarations[tag] = v.Attributes
	}
	vs, err := schema.RestoreVersionSet(declarations, mres.CurrentVersion)
	if err != nil {
		return nil, err
	}
	behavior, err := codec.ParseBehavior(mres.Behavior)
	if err != nil {
		return nil, err
	}

	r := &Resource{
		db:       db,
		name:     name,
		behavior: behavior,
		versions: vs,
		parts:    append([]partition.Partition(nil), mres.Versions[mres.CurrentVersion].Partitions...),
		index:    partition.NewIndex(db.store, name, partition.Options{Logger: db.logger}),
		hooks:    newHookRegistry(),
		cache:    db.cache,
		log:      db.logger.WithField("resource", name),
	}
	for _, dh := range db.hookSubs {
		if dh.pattern == "*" || dh.pattern == name {
			dh.attach(r)
		}
	}
	return r, nil
}

// purgePrefix deletes every object under prefix, page by page.
func (db *Database) purgePrefix(ctx context.Context, prefix string) error {
	for {
		page, err := db.store.ListObjects(ctx, prefix, objstore.ListOptions{})
		if err != nil {
			return err
		}
		if len(page.Keys) == 0 {
			return nil
		}
		outcomes, err := db.store.DeleteObjects(ctx, page.Keys)
		if err != nil {
			return err
		}
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				return fmt.Errorf("failed to purge %q: %w", outcome.Key, outcome.Err)
			}
		}
		if !page.Truncated() {
			return nil
		}
	}
}

// limitClient bounds simultaneous object store requests per Database.
type limitClient struct {
	inner objstore.Client
	sem   *semaphore.Weighted
}

func limitConcurrency(inner objstore.Client, limit int) objstore.Client {
	if limit <= 0 {
		limit = 64
	}
	return &limitClient{inner: inner, sem: semaphore.NewWeighted(int64(limit))}
}

func (l *limitClient) acquire(ctx context.Context, op string) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, &errs.CancelledError{Op: op, Cause: err}
	}
	return func() { l.sem.Release(1) }, nil
}

func (l *limitClient) Backend() string { return l.inner.Backend() }

func (l *limitClient) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts objstore.PutOptions) (*objstore.PutResult, error) {
	release, err := l.acquire(ctx, "PutObject")
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.PutObject(ctx, key, body, metadata, opts)
}

func (l *limitClient) GetObject(ctx context.Context, key string) (*objstore.Object, error) {
	release, err := l.acquire(ctx, "GetObject")
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.GetObject(ctx, key)
}

func (l *limitClient) HeadObject(ctx context.Context, key string) (*objstore.ObjectInfo, error) {
	release, err := l.acquire(ctx, "HeadObject")
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.HeadObject(ctx, key)
}

func (l *limitClient) DeleteObject(ctx context.Context, key string) error {
	release, err := l.acquire(ctx, "DeleteObject")
	if err != nil {
		return err
	}
	defer release()
	return l.inner.DeleteObject(ctx, key)
}

func (l *limitClient) DeleteObjects(ctx context.Context, keys []string) ([]objstore.DeleteOutcome, error) {
	release, err := l.acquire(ctx, "DeleteObjects")
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.DeleteObjects(ctx, keys)
}

func (l *limitClient) ListObjects(ctx context.Context, prefix string, opts objstore.ListOptions) (*objstore.ListPage, error) {
	release, err := l.acquire(ctx, "ListObjectsV2")
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.ListObjects(ctx, prefix, opts)
}

func (l *limitClient) Ping(ctx context.Context) error {
	release, err := l.acquire(ctx, "Ping")
	if err != nil {
		return err
	}
	defer release()
	return l.inner.Ping(ctx)
}
