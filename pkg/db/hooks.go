package db

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/platinummonkey/pannier/pkg/schema"
)

// Hook runs inside an operation pipeline. It may mutate the record in
// place to transform it; returning an error from a before hook aborts the
// operation, while errors from after and on:error hooks are reported on
// the bus and never unwind the pipeline.
type Hook func(ctx context.Context, rec *schema.Record) error

// Hook phases. A phase string is "<kind>:<op>" where kind is before,
// after or on:error and op is an operation name or "*".
const (
	phaseBefore  = "before"
	phaseAfter   = "after"
	phaseOnError = "on:error"
)

// HookHandle unregisters its hook when closed. Closing twice is safe.
type HookHandle struct {
	once    sync.Once
	release func()
}

// Close removes the hook from its registry.
func (h *HookHandle) Close() {
	if h == nil || h.release == nil {
		return
	}
	h.once.Do(h.release)
}

type registeredHook struct {
	id   int
	kind string
	op   string
	hook Hook
}

// hookRegistry holds the hooks of one resource, keyed by phase kind and
// operation with "*" matching every operation.
type hookRegistry struct {
	mu     sync.RWMutex
	nextID int
	hooks  []registeredHook
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{}
}

// parsePhase splits "before:insert" style phase names. The operation part
// is not validated against a fixed list: hooks may name future or plugin
// defined operations.
func parsePhase(phase string) (kind, op string, err error) {
	for _, k := range []string{phaseOnError, phaseBefore, phaseAfter} {
		if rest, ok := strings.CutPrefix(phase, k+":"); ok && rest != "" {
			return k, rest, nil
		}
	}
	return "", "", fmt.Errorf("malformed hook phase %q: want before:<op>, after:<op> or on:error:<op>", phase)
}

func (r *hookRegistry) add(kind, op string, hook Hook) *HookHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.hooks = append(r.hooks, registeredHook{id: id, kind: kind, op: op, hook: hook})
	return &HookHandle{release: func() { r.remove(id) }}
}

func (r *hookRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.id == id {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return
		}
	}
}

// matching returns the hooks for one phase kind and operation in
// registration order, wildcard registrations included.
func (r *hookRegistry) matching(kind, op string) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Hook
	for _, h := range r.hooks {
		if h.kind != kind {
			continue
		}
		if h.op == op || h.op == "*" {
			out = append(out, h.hook)
		}
	}
	return out
}
