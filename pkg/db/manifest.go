package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/observability"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

const (
	manifestFormatVersion  = 1
	defaultManifestRetries = 5
)

// manifest is the persisted shape of s3db.json. Unknown top-level keys in
// a stored manifest are tolerated on read and not carried across rewrites.
type manifest struct {
	Version   int                          `json:"version"`
	Resources map[string]*manifestResource `json:"resources"`
	Plugins   map[string]*manifestPlugin   `json:"plugins"`
}

type manifestResource struct {
	CurrentVersion string                     `json:"currentVersion"`
	Versions       map[string]manifestVersion `json:"versions"`
	Behavior       string                     `json:"behavior"`
}

type manifestVersion struct {
	Attributes schema.Attributes     `json:"attributes"`
	Partitions []partition.Partition `json:"partitions,omitempty"`
}

type manifestPlugin struct {
	ID        string          `json:"id"`
	ClassName string          `json:"className"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
}

func newManifest() *manifest {
	return &manifest{
		Version:   manifestFormatVersion,
		Resources: map[string]*manifestResource{},
		Plugins:   map[string]*manifestPlugin{},
	}
}

// clone deep-copies the document so a mutation attempt that loses the
// write race never leaks into the cached copy.
func (m *manifest) clone() *manifest {
	out := newManifest()
	out.Version = m.Version
	for name, res := range m.Resources {
		versions := make(map[string]manifestVersion, len(res.Versions))
		for tag, v := range res.Versions {
			versions[tag] = manifestVersion{
				Attributes: v.Attributes,
				Partitions: append([]partition.Partition(nil), v.Partitions...),
			}
		}
		out.Resources[name] = &manifestResource{
			CurrentVersion: res.CurrentVersion,
			Versions:       versions,
			Behavior:       res.Behavior,
		}
	}
	for id, p := range m.Plugins {
		cp := *p
		if p.Config != nil {
			cp.Config = append(json.RawMessage(nil), p.Config...)
		}
		out.Plugins[id] = &cp
	}
	return out
}

// manifestStore owns the s3db.json object. Writes are serialized through
// the store's ETag precondition: every save carries the ETag the mutation
// was computed from, and a precondition failure reloads and reapplies the
// mutation on fresh state.
type manifestStore struct {
	store      objstore.Client
	logger     *logrus.Entry
	metrics    *observability.Metrics
	maxRetries int

	mu   sync.Mutex
	doc  *manifest
	etag string
}

func newManifestStore(store objstore.Client, logger *logrus.Logger, metrics *observability.Metrics, maxRetries int) *manifestStore {
	if maxRetries <= 0 {
		maxRetries = defaultManifestRetries
	}
	return &manifestStore{
		store:      store,
		logger:     logger.WithField("component", "manifest"),
		metrics:    metrics,
		maxRetries: maxRetries,
	}
}

// Load fetches the manifest, creating a fresh one when the database has
// never been opened. Creation uses an if-none-match guard so two handles
// opening an empty bucket converge on a single document.
func (ms *manifestStore) Load(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.reload(ctx); err == nil {
		return nil
	} else if !errs.IsNotFound(err) {
		return err
	}

	doc := newManifest()
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	result, err := ms.store.PutObject(ctx, layout.ManifestKey, data, nil, objstore.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: "*",
	})
	if err == nil {
		ms.doc = doc
		ms.etag = result.ETag
		ms.logger.Info("initialized new database manifest")
		return nil
	}
	if objstore.IsPreconditionFailure(err) {
		// Another handle created it first. Use theirs.
		return ms.reload(ctx)
	}
	return err
}

// reload replaces the cached document with the stored one. Callers hold
// ms.mu.
func (ms *manifestStore) reload(ctx context.Context) error {
	obj, err := ms.store.GetObject(ctx, layout.ManifestKey)
	if err != nil {
		return err
	}
	doc := newManifest()
	if err := json.Unmarshal(obj.Body, doc); err != nil {
		return fmt.Errorf("malformed manifest %s: %w", layout.ManifestKey, err)
	}
	if doc.Resources == nil {
		doc.Resources = map[string]*manifestResource{}
	}
	if doc.Plugins == nil {
		doc.Plugins = map[string]*manifestPlugin{}
	}
	ms.doc = doc
	ms.etag = obj.ETag
	return nil
}

// Snapshot returns a copy of the current document.
func (ms *manifestStore) Snapshot() *manifest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.doc == nil {
		return newManifest()
	}
	return ms.doc.clone()
}

// Update applies mutate to the manifest and persists it, retrying against
// fresh state on write conflicts. The mutation must be a pure function of
// the document it is handed: it runs once per attempt.
func (ms *manifestStore) Update(ctx context.Context, mutate func(*manifest) error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.doc == nil {
		if err := ms.reload(ctx); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < ms.maxRetries; attempt++ {
		draft := ms.doc.clone()
		if err := mutate(draft); err != nil {
			return err
		}

		data, err := json.Marshal(draft)
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		result, err := ms.store.PutObject(ctx, layout.ManifestKey, data, nil, objstore.PutOptions{
			ContentType: "application/json",
			IfMatch:     ms.etag,
		})
		if err == nil {
			ms.doc = draft
			ms.etag = result.ETag
			return nil
		}
		if !objstore.IsPreconditionFailure(err) {
			return err
		}

		if ms.metrics != nil {
			ms.metrics.ManifestConflictsTotal.Inc()
		}
		ms.logger.WithField("attempt", attempt+1).Warn("manifest write conflict, reloading")
		if err := ms.reload(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("manifest write lost %d consecutive races, giving up", ms.maxRetries)
}
