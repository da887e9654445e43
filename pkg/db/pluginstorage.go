package db

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
)

// PluginStorage is a plugin's private slice of the object store. It
// mirrors the objstore.Client surface but confines every key under
// plugin=<id>/: keys are validated and prefixed before they reach the
// store, so a plugin cannot reach outside its namespace, and listings
// come back relative to it. The core never writes under a plugin's
// prefix.
//
// The namespace is not locked: when a plugin needs mutual exclusion (a
// scheduler's job lock, say) it builds it on top, for example with a
// PutOptions.IfNoneMatch guard on a lock key.
type PluginStorage struct {
	db   *Database
	id   string
	root string
}

func newPluginStorage(db *Database, pluginID string) *PluginStorage {
	return &PluginStorage{
		db:   db,
		id:   pluginID,
		root: layout.PluginRoot(pluginID),
	}
}

// Root returns the absolute key prefix the storage writes under.
func (ps *PluginStorage) Root() string { return ps.root }

// scope validates a plugin-relative key and returns the absolute one.
// Cleaning runs against a rooted form of the key, so ".." segments can
// only collapse inside it and never climb above the plugin prefix.
func (ps *PluginStorage) scope(key string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("plugin %q storage key %q is empty after cleaning", ps.id, key)
	}
	return ps.root + cleaned, nil
}

// unscope strips the plugin prefix from an absolute key.
func (ps *PluginStorage) unscope(key string) string {
	return strings.TrimPrefix(key, ps.root)
}

func (ps *PluginStorage) client() (objstore.Client, error) {
	if err := ps.db.requireConnected(); err != nil {
		return nil, fmt.Errorf("plugin %q storage: %w", ps.id, err)
	}
	return ps.db.store, nil
}

// Put writes an object at a plugin-relative key.
func (ps *PluginStorage) Put(ctx context.Context, key string, body []byte, metadata map[string]string, opts objstore.PutOptions) (*objstore.PutResult, error) {
	store, err := ps.client()
	if err != nil {
		return nil, err
	}
	scoped, err := ps.scope(key)
	if err != nil {
		return nil, err
	}
	return store.PutObject(ctx, scoped, body, metadata, opts)
}

// Get fetches an object at a plugin-relative key. The returned object's
// Key is relative again.
func (ps *PluginStorage) Get(ctx context.Context, key string) (*objstore.Object, error) {
	store, err := ps.client()
	if err != nil {
		return nil, err
	}
	scoped, err := ps.scope(key)
	if err != nil {
		return nil, err
	}
	obj, err := store.GetObject(ctx, scoped)
	if err != nil {
		return nil, err
	}
	obj.Key = ps.unscope(obj.Key)
	return obj, nil
}

// Head fetches an object's metadata at a plugin-relative key.
func (ps *PluginStorage) Head(ctx context.Context, key string) (*objstore.ObjectInfo, error) {
	store, err := ps.client()
	if err != nil {
		return nil, err
	}
	scoped, err := ps.scope(key)
	if err != nil {
		return nil, err
	}
	info, err := store.HeadObject(ctx, scoped)
	if err != nil {
		return nil, err
	}
	info.Key = ps.unscope(info.Key)
	return info, nil
}

// Delete removes an object at a plugin-relative key. Missing keys
// succeed.
func (ps *PluginStorage) Delete(ctx context.Context, key string) error {
	store, err := ps.client()
	if err != nil {
		return err
	}
	scoped, err := ps.scope(key)
	if err != nil {
		return err
	}
	return store.DeleteObject(ctx, scoped)
}

// DeleteMany removes a batch of plugin-relative keys, reporting per-key
// outcomes in input order with relative keys.
func (ps *PluginStorage) DeleteMany(ctx context.Context, keys []string) ([]objstore.DeleteOutcome, error) {
	store, err := ps.client()
	if err != nil {
		return nil, err
	}
	scoped := make([]string, len(keys))
	for i, key := range keys {
		s, err := ps.scope(key)
		if err != nil {
			return nil, err
		}
		scoped[i] = s
	}
	outcomes, err := store.DeleteObjects(ctx, scoped)
	if err != nil {
		return nil, err
	}
	for i := range outcomes {
		outcomes[i].Key = ps.unscope(outcomes[i].Key)
	}
	return outcomes, nil
}

// List pages through the plugin's keys under a relative prefix. An empty
// prefix lists the whole namespace. Returned keys are relative.
func (ps *PluginStorage) List(ctx context.Context, prefix string, opts objstore.ListOptions) (*objstore.ListPage, error) {
	store, err := ps.client()
	if err != nil {
		return nil, err
	}
	scoped := ps.root
	if prefix != "" {
		scoped, err = ps.scope(prefix)
		if err != nil {
			return nil, err
		}
		// A prefix is allowed to end mid-segment; keep the caller's
		// trailing slash, which Clean strips.
		if strings.HasSuffix(prefix, "/") {
			scoped += "/"
		}
	}
	page, err := store.ListObjects(ctx, scoped, opts)
	if err != nil {
		return nil, err
	}
	for i := range page.Keys {
		page.Keys[i] = ps.unscope(page.Keys[i])
	}
	return page, nil
}
