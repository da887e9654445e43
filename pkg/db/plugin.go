package db

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/events"
	"github.com/platinummonkey/pannier/pkg/layout"
)

// pluginIDPattern bounds plugin ids so they can appear raw inside object
// keys and event topics.
var pluginIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Plugin is the contract a subsystem implements to attach to a Database.
// The framework drives the lifecycle: Setup runs once per registration and
// receives the host the plugin works through, Start begins active work,
// Stop ends it. Start and Stop may alternate; Setup never reruns.
//
// A plugin must confine itself to the surfaces its host exposes: its own
// storage namespace, the hook API and the event bus. Failures during Setup
// or Start disable that plugin without tearing down the database.
type Plugin interface {
	// ID identifies the plugin. It must be unique per database, lowercase,
	// and stable across restarts: manifest state, storage keys and event
	// topics all carry it.
	ID() string

	Setup(ctx context.Context, host *PluginHost) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DependentPlugin is implemented by plugins that need other plugins set up
// and started before them. Dependencies are resolved topologically at
// Connect; a dependency cycle fails Connect outright.
type DependentPlugin interface {
	Plugin
	DependsOn() []string
}

// SingletonPlugin marks a plugin that may be registered again under an id
// already taken: the new instance replaces the old one in place instead of
// failing. The replaced instance is stopped if it was running.
type SingletonPlugin interface {
	Plugin
	Singleton() bool
}

// PluginState tracks where a plugin is in its lifecycle.
type PluginState int

const (
	// PluginRegistered means UsePlugin accepted the plugin but Setup has
	// not run yet.
	PluginRegistered PluginState = iota

	// PluginSetupComplete means Setup succeeded and Start has not run.
	PluginSetupComplete

	// PluginRunning means the plugin started and is active.
	PluginRunning

	// PluginStopped means the plugin ran and was stopped. Start moves it
	// back to PluginRunning.
	PluginStopped

	// PluginUninstalled means the plugin was removed from the database.
	PluginUninstalled
)

func (s PluginState) String() string {
	switch s {
	case PluginRegistered:
		return "registered"
	case PluginSetupComplete:
		return "setup-complete"
	case PluginRunning:
		return "running"
	case PluginStopped:
		return "stopped"
	case PluginUninstalled:
		return "uninstalled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PluginStatus is one plugin's lifecycle position, for introspection.
type PluginStatus struct {
	ID    string
	State PluginState

	// Err holds the setup or start failure that sidelined the plugin, nil
	// while it is healthy.
	Err error
}

// pluginEntry is the registry slot for one plugin. Field access goes
// through pluginSet so its mutex covers them.
type pluginEntry struct {
	plugin Plugin
	host   *PluginHost
	state  PluginState
	err    error
}

// pluginSet is the in-process plugin registry. The manifest persists each
// plugin's enabled flag and configuration; the set holds the live
// instances, which only exist in processes that registered them.
type pluginSet struct {
	mu      sync.Mutex
	entries map[string]*pluginEntry
	order   []string
}

func newPluginSet() *pluginSet {
	return &pluginSet{entries: map[string]*pluginEntry{}}
}

// register adds a plugin under its id. A taken id is rejected unless the
// new plugin declares itself a singleton, in which case the old entry is
// returned for the caller to wind down.
func (ps *pluginSet) register(p Plugin, host *PluginHost) (entry, previous *pluginEntry, err error) {
	id := p.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.entries[id]; ok {
		single, isSingleton := p.(SingletonPlugin)
		if !isSingleton || !single.Singleton() {
			return nil, nil, fmt.Errorf("plugin %q is already registered", id)
		}
		previous = existing
	} else {
		ps.order = append(ps.order, id)
	}

	entry = &pluginEntry{plugin: p, host: host, state: PluginRegistered}
	ps.entries[id] = entry
	return entry, previous, nil
}

func (ps *pluginSet) get(id string) *pluginEntry {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.entries[id]
}

func (ps *pluginSet) remove(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.entries[id]; !ok {
		return
	}
	delete(ps.entries, id)
	for i, cur := range ps.order {
		if cur == id {
			ps.order = append(ps.order[:i], ps.order[i+1:]...)
			return
		}
	}
}

func (ps *pluginSet) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.entries)
}

func (ps *pluginSet) ids() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.order...)
}

func (ps *pluginSet) state(id string) (PluginState, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.entries[id]
	if !ok {
		return 0, false
	}
	return entry.state, true
}

// entryState reads an entry directly. The id lookup is wrong for entries
// already replaced in the registry, such as a retired singleton.
func (ps *pluginSet) entryState(entry *pluginEntry) PluginState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return entry.state
}

func (ps *pluginSet) setState(entry *pluginEntry, state PluginState, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry.state = state
	entry.err = err
}

// setErr records a failure without moving the lifecycle state.
func (ps *pluginSet) setErr(entry *pluginEntry, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry.err = err
}

func (ps *pluginSet) status() []PluginStatus {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PluginStatus, 0, len(ps.order))
	for _, id := range ps.order {
		entry := ps.entries[id]
		out = append(out, PluginStatus{ID: id, State: entry.state, Err: entry.err})
	}
	return out
}

// pluginDeps returns a plugin's declared dependencies, deduplicated in
// declaration order.
func pluginDeps(p Plugin) []string {
	dep, ok := p.(DependentPlugin)
	if !ok {
		return nil
	}
	seen := map[string]struct{}{}
	var deps []string
	for _, id := range dep.DependsOn() {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	return deps
}

// toposort orders registered plugins so every plugin follows its
// dependencies (Kahn's algorithm). Ties keep registration order.
// Dependencies on unregistered plugins are left to the start phase, which
// fails just that plugin; a cycle fails the whole sort.
func (ps *pluginSet) toposort() ([]string, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	indegree := make(map[string]int, len(ps.order))
	dependents := map[string][]string{}
	for _, id := range ps.order {
		indegree[id] += 0
		for _, dep := range pluginDeps(ps.entries[id].plugin) {
			if _, registered := ps.entries[dep]; !registered {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready, sorted []string
	for _, id := range ps.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(sorted) != len(ps.order) {
		var cyclic []string
		for _, id := range ps.order {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("plugin dependency cycle involving %s", strings.Join(cyclic, ", "))
	}
	return sorted, nil
}

// pluginClassName records the implementing Go type in the manifest, so an
// operator reading s3db.json can tell what a plugin id refers to.
func pluginClassName(p Plugin) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
}

// UsePlugin registers a plugin. Before Connect it only records the
// registration; Connect then persists it and drives Setup and Start in
// dependency order. On a connected database the plugin is persisted, set
// up and started immediately, and its declared dependencies must already
// be running.
func (db *Database) UsePlugin(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("cannot register a nil plugin")
	}
	id := p.ID()
	if !pluginIDPattern.MatchString(id) {
		return fmt.Errorf("invalid plugin id %q: must be lowercase letters, digits, _ and -", id)
	}

	host := newPluginHost(db, id)
	entry, previous, err := db.plugins.register(p, host)
	if err != nil {
		return err
	}
	if previous != nil {
		db.retirePlugin(ctx, id, previous)
	}
	db.log.WithField("plugin", id).Debug("plugin registered")

	db.mu.RLock()
	connected := db.connected
	db.mu.RUnlock()
	if !connected {
		return nil
	}

	enabled := true
	err = db.manifest.Update(ctx, func(m *manifest) error {
		if cur, ok := m.Plugins[id]; ok {
			cur.ClassName = pluginClassName(p)
			enabled = cur.Enabled
			return nil
		}
		m.Plugins[id] = &manifestPlugin{ID: id, ClassName: pluginClassName(p), Enabled: true}
		return nil
	})
	if err != nil {
		return err
	}
	if !enabled {
		db.log.WithField("plugin", id).Info("plugin registered but disabled in manifest")
		return nil
	}
	if cause := db.unmetDependency(p); cause != nil {
		return db.pluginFailed(entry, id, cause)
	}
	return db.setupAndStart(ctx, entry, id)
}

// Plugins reports every registered plugin's lifecycle state, in
// registration order.
func (db *Database) Plugins() []PluginStatus {
	return db.plugins.status()
}

// EnablePlugin flips a plugin's persisted enabled flag on and, on a
// connected database, sets it up and starts it.
func (db *Database) EnablePlugin(ctx context.Context, id string) error {
	entry := db.plugins.get(id)
	if entry == nil {
		return fmt.Errorf("plugin %q is not registered", id)
	}
	if err := db.requireConnected(); err != nil {
		return err
	}
	err := db.manifest.Update(ctx, func(m *manifest) error {
		state, ok := m.Plugins[id]
		if !ok {
			m.Plugins[id] = &manifestPlugin{ID: id, ClassName: pluginClassName(entry.plugin), Enabled: true}
			return nil
		}
		state.Enabled = true
		return nil
	})
	if err != nil {
		return err
	}
	if state, _ := db.plugins.state(id); state == PluginRunning {
		return nil
	}
	if cause := db.unmetDependency(entry.plugin); cause != nil {
		return db.pluginFailed(entry, id, cause)
	}
	return db.setupAndStart(ctx, entry, id)
}

// DisablePlugin stops a running plugin and persists the disabled flag, so
// future Connects skip it until it is enabled again.
func (db *Database) DisablePlugin(ctx context.Context, id string) error {
	entry := db.plugins.get(id)
	if entry == nil {
		return fmt.Errorf("plugin %q is not registered", id)
	}
	if err := db.requireConnected(); err != nil {
		return err
	}
	err := db.manifest.Update(ctx, func(m *manifest) error {
		state, ok := m.Plugins[id]
		if !ok {
			m.Plugins[id] = &manifestPlugin{ID: id, ClassName: pluginClassName(entry.plugin), Enabled: false}
			return nil
		}
		state.Enabled = false
		return nil
	})
	if err != nil {
		return err
	}
	db.stopPlugin(ctx, id, entry)
	return nil
}

// UninstallOptions controls what uninstalling a plugin removes.
type UninstallOptions struct {
	// Purge also deletes everything under the plugin's storage namespace.
	// By default the plugin's objects are preserved.
	Purge bool
}

// UninstallPlugin stops a plugin, detaches its hooks and subscriptions,
// removes its manifest entry and, with Purge, its stored objects.
func (db *Database) UninstallPlugin(ctx context.Context, id string, opts UninstallOptions) error {
	entry := db.plugins.get(id)
	if entry == nil {
		return fmt.Errorf("plugin %q is not registered", id)
	}
	if err := db.requireConnected(); err != nil {
		return err
	}

	db.retirePlugin(ctx, id, entry)
	err := db.manifest.Update(ctx, func(m *manifest) error {
		delete(m.Plugins, id)
		return nil
	})
	if err != nil {
		return err
	}
	if opts.Purge {
		if err := db.purgePrefix(ctx, layout.PluginRoot(id)); err != nil {
			return fmt.Errorf("plugin %q uninstalled but purge failed: %w", id, err)
		}
	}

	db.plugins.setState(entry, PluginUninstalled, nil)
	db.plugins.remove(id)
	db.emitPluginLifecycle(id, PluginUninstalled.String(), nil)
	db.log.WithFields(logrus.Fields{"plugin": id, "purged": opts.Purge}).Info("plugin uninstalled")
	return nil
}

// startPlugins drives setup and start for every registered plugin in
// dependency order, at Connect time. A cycle is fatal; any other plugin
// failure is isolated: it is logged, recorded on the plugin's status and
// announced on the bus, and the remaining plugins still start.
func (db *Database) startPlugins(ctx context.Context, snapshot *manifest) error {
	order, err := db.plugins.toposort()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}

	var unrecorded []string
	for _, id := range order {
		if _, ok := snapshot.Plugins[id]; !ok {
			unrecorded = append(unrecorded, id)
		}
	}
	if len(unrecorded) > 0 {
		err := db.manifest.Update(ctx, func(m *manifest) error {
			for _, id := range unrecorded {
				if _, ok := m.Plugins[id]; ok {
					continue
				}
				entry := db.plugins.get(id)
				m.Plugins[id] = &manifestPlugin{ID: id, ClassName: pluginClassName(entry.plugin), Enabled: true}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	recorded := db.manifest.Snapshot().Plugins
	for id, state := range recorded {
		if db.plugins.get(id) == nil {
			db.log.WithFields(logrus.Fields{
				"plugin": id,
				"class":  state.ClassName,
			}).Warn("manifest records a plugin this process did not register")
		}
	}

	for _, id := range order {
		entry := db.plugins.get(id)
		if state, ok := recorded[id]; ok && !state.Enabled {
			db.log.WithField("plugin", id).Info("plugin disabled, skipping")
			continue
		}
		if cause := db.unmetDependency(entry.plugin); cause != nil {
			_ = db.pluginFailed(entry, id, cause)
			continue
		}
		_ = db.setupAndStart(ctx, entry, id)
	}
	return nil
}

// stopPlugins stops running plugins in reverse dependency order. Stop
// failures are logged; shutdown continues.
func (db *Database) stopPlugins(ctx context.Context) {
	order, err := db.plugins.toposort()
	if err != nil {
		// A cycle would have failed Connect; fall back to registration
		// order for sets mutated into one afterwards.
		order = db.plugins.ids()
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if entry := db.plugins.get(id); entry != nil {
			db.stopPlugin(ctx, id, entry)
		}
	}
}

// setupAndStart walks one plugin through setup-complete and running.
// Setup runs at most once per registration; a stopped plugin only
// restarts.
func (db *Database) setupAndStart(ctx context.Context, entry *pluginEntry, id string) error {
	state, _ := db.plugins.state(id)
	if state == PluginRegistered {
		if err := entry.plugin.Setup(ctx, entry.host); err != nil {
			return db.pluginFailed(entry, id, fmt.Errorf("setup: %w", err))
		}
		db.plugins.setState(entry, PluginSetupComplete, nil)
		db.emitPluginLifecycle(id, PluginSetupComplete.String(), nil)
		state = PluginSetupComplete
	}
	if state == PluginSetupComplete || state == PluginStopped {
		if err := entry.plugin.Start(ctx); err != nil {
			return db.pluginFailed(entry, id, fmt.Errorf("start: %w", err))
		}
		db.plugins.setState(entry, PluginRunning, nil)
		db.emitPluginLifecycle(id, PluginRunning.String(), nil)
		db.log.WithField("plugin", id).Info("plugin started")
	}
	return nil
}

// stopPlugin stops one running plugin, moving it to stopped.
func (db *Database) stopPlugin(ctx context.Context, id string, entry *pluginEntry) {
	if db.plugins.entryState(entry) != PluginRunning {
		return
	}
	if err := entry.plugin.Stop(ctx); err != nil {
		db.log.WithError(err).WithField("plugin", id).Warn("plugin stop failed")
	}
	db.plugins.setState(entry, PluginStopped, nil)
	db.emitPluginLifecycle(id, PluginStopped.String(), nil)
	db.log.WithField("plugin", id).Info("plugin stopped")
}

// retirePlugin winds an entry fully down: stopped, hooks detached,
// subscriptions closed. Used by uninstall and singleton replacement.
func (db *Database) retirePlugin(ctx context.Context, id string, entry *pluginEntry) {
	db.stopPlugin(ctx, id, entry)
	entry.host.close()
}

// unmetDependency reports why a plugin must not start yet: a declared
// dependency that is unregistered or not running.
func (db *Database) unmetDependency(p Plugin) error {
	for _, dep := range pluginDeps(p) {
		state, registered := db.plugins.state(dep)
		if !registered {
			return fmt.Errorf("depends on unregistered plugin %q", dep)
		}
		if state != PluginRunning {
			return fmt.Errorf("depends on plugin %q which is %s, not running", dep, state)
		}
	}
	return nil
}

// pluginFailed sidelines a plugin after a lifecycle failure and returns
// the taxonomy error recorded on its status.
func (db *Database) pluginFailed(entry *pluginEntry, id string, cause error) error {
	failure := &errs.PluginSetupError{Plugin: id, Cause: cause}
	db.plugins.setErr(entry, failure)
	db.log.WithError(cause).WithField("plugin", id).Error("plugin sidelined")
	db.emitPluginLifecycle(id, "failed", failure)
	return failure
}

func (db *Database) emitPluginLifecycle(id, phase string, err error) {
	db.bus.Emit(events.PluginLifecycleTopic(id), events.PluginLifecycleEvent{
		Plugin: id,
		Phase:  phase,
		Err:    err,
	})
}

// PluginHost is the capability set handed to a plugin at Setup. Work done
// through the host is attributed to the plugin and cleaned up when it is
// uninstalled: hooks detach, subscriptions close. Work done around the
// host (directly on the Database) is the plugin's own to clean up.
type PluginHost struct {
	db      *Database
	id      string
	log     *logrus.Entry
	storage *PluginStorage

	mu     sync.Mutex
	subs   []*events.Subscription
	hooks  []*HookHandle
	closed bool
}

func newPluginHost(db *Database, id string) *PluginHost {
	return &PluginHost{
		db:      db,
		id:      id,
		log:     db.logger.WithField("plugin", id),
		storage: newPluginStorage(db, id),
	}
}

// ID returns the plugin id the host serves.
func (h *PluginHost) ID() string { return h.id }

// DB returns the database the plugin is attached to.
func (h *PluginHost) DB() *Database { return h.db }

// Logger returns a logger tagged with the plugin id.
func (h *PluginHost) Logger() *logrus.Entry { return h.log }

// Storage returns the plugin's private object store namespace.
func (h *PluginHost) Storage() *PluginStorage { return h.storage }

// HookResource registers a hook on every existing and future resource
// matching pattern, attributed to the plugin. See Database.HookResource.
func (h *PluginHost) HookResource(pattern, phase string, fn Hook) (*HookHandle, error) {
	handle, err := h.db.HookResource(pattern, phase, fn)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		handle.Close()
		return nil, fmt.Errorf("plugin %q host is closed", h.id)
	}
	h.hooks = append(h.hooks, handle)
	h.mu.Unlock()
	return handle, nil
}

// On subscribes to bus events matching pattern, attributed to the plugin.
func (h *PluginHost) On(pattern string, handler events.Handler) *events.Subscription {
	sub := h.db.bus.Subscribe(pattern, handler)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.Close()
		return sub
	}
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

// Emit publishes a plugin-defined event. The name is forced under the
// plugin's namespace: Emit("rotated", p) lands on plugin:<id>:rotated.
func (h *PluginHost) Emit(name string, payload any) {
	h.db.bus.Emit(events.PluginTopic(h.id, name), payload)
}

// Config returns the plugin's opaque configuration blob from the manifest,
// nil when none was saved.
func (h *PluginHost) Config() json.RawMessage {
	if h.db.manifest == nil {
		return nil
	}
	snapshot := h.db.manifest.Snapshot()
	if state, ok := snapshot.Plugins[h.id]; ok {
		return state.Config
	}
	return nil
}

// SaveConfig persists the plugin's configuration blob in the manifest.
func (h *PluginHost) SaveConfig(ctx context.Context, raw json.RawMessage) error {
	if err := h.db.requireConnected(); err != nil {
		return err
	}
	return h.db.manifest.Update(ctx, func(m *manifest) error {
		state, ok := m.Plugins[h.id]
		if !ok {
			state = &manifestPlugin{ID: h.id, Enabled: true}
			m.Plugins[h.id] = state
		}
		state.Config = append(json.RawMessage(nil), raw...)
		return nil
	})
}

// close detaches everything registered through the host.
func (h *PluginHost) close() {
	h.mu.Lock()
	subs := h.subs
	hooks := h.hooks
	h.subs = nil
	h.hooks = nil
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, hook := range hooks {
		hook.Close()
	}
}
