package events

import (
	"strings"
	"time"

	"github.com/platinummonkey/pannier/pkg/schema"
)

// Event is the unit of delivery on the bus.
type Event struct {
	Name    string
	Payload any
	At      time.Time
}

// The engine emits a sealed set of topic shapes. Operation outcomes land on
// resource:<name>:after:<op>, pointer and hook trouble on their own
// per-resource topics, and plugin lifecycle transitions on
// plugin:<id>:lifecycle. Plugins may emit arbitrary additional names, but
// only inside their own plugin:<id>: namespace.

// OperationTopic is the canonical topic for a completed resource operation.
func OperationTopic(resource, op string) string {
	return "resource:" + resource + ":after:" + op
}

// HookFailedTopic carries non-aborting after-hook failures.
func HookFailedTopic(resource string) string {
	return "resource:" + resource + ":hook-failed"
}

// PointerStaleTopic carries pointer writes abandoned after retry.
func PointerStaleTopic(resource string) string {
	return "resource:" + resource + ":pointer-stale"
}

// PluginLifecycleTopic carries setup/start/stop transitions of one plugin.
func PluginLifecycleTopic(pluginID string) string {
	return "plugin:" + pluginID + ":lifecycle"
}

// PluginTopic namespaces a plugin-defined event name under its id.
func PluginTopic(pluginID, name string) string {
	return "plugin:" + pluginID + ":" + name
}

// OperationEvent is the payload on OperationTopic.
type OperationEvent struct {
	Resource string
	Op       string
	Record   schema.Record

	// Before holds the pre-image on update, upsert and delete, when the
	// operation had to read it anyway. Nil on insert.
	Before *schema.Record
}

// HookFailureEvent is the payload on HookFailedTopic.
type HookFailureEvent struct {
	Resource string
	Phase    string
	Op       string
	RecordID string
	Err      error
}

// PointerStaleEvent is the payload on PointerStaleTopic. Keys lists the
// pointer keys the engine could not write; a later listing or rebuild
// reconciles them.
type PointerStaleEvent struct {
	Resource string
	RecordID string
	Keys     []string
	Err      error
}

// PluginLifecycleEvent is the payload on PluginLifecycleTopic.
type PluginLifecycleEvent struct {
	Plugin string
	Phase  string
	Err    error
}

// Matches reports whether a subscription pattern covers an event name.
// Patterns are exact names, "*" for everything, or a "prefix:*" form that
// covers every name under the prefix.
func Matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(name, prefix+":")
	}
	return false
}
