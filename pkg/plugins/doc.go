// Package plugins bundles the reference plugins that ship with the engine.
// Each one is a self-contained db.Plugin built only on the public host
// surface: namespaced storage, the event bus, resource hooks, and persisted
// config. They are usable as-is and double as worked examples for writing
// your own.
//
// # Audit
//
// AuditPlugin journals every completed write, failed hook, and stale
// partition pointer into its own storage namespace, one JSON object per
// event. Entries reads the journal back, oldest first.
//
// # Cache
//
// CachePlugin attaches a read-through record cache to chosen resources
// while it runs and detaches it when stopped, so cache behavior follows
// the plugin lifecycle.
//
// # Metrics
//
// MetricsPlugin registers prometheus collectors: an operation counter fed
// by the event bus and a collector that prices accumulated object-store
// usage on every scrape.
//
// # Replicator
//
// ReplicatorPlugin fans completed writes out to external destinations
// through a bounded worker pool, retrying each delivery with capped
// exponential backoff.
//
// # Scheduler
//
// SchedulerPlugin runs cron jobs under a storage-backed lock so only one
// engine instance sharing a bucket executes a given job, and records run
// outcomes in a history resource.
package plugins
