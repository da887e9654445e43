// Package db assembles the engine: the Database handle, its resources,
// the record pipeline and the plugin framework.
//
// # Database
//
// A Database maps one bucket prefix of an S3-compatible store to a set of
// named resources. Connect loads (or initializes) the s3db.json manifest,
// rebuilds a Resource per declared entry and walks the registered plugins
// through setup and start. All state lives in the store; two processes
// pointed at the same prefix see the same resources, serialized through
// ETag-guarded manifest writes that reload and retry on conflict.
//
// # Resources and the pipeline
//
// A Resource couples a schema version set, a storage behavior and a
// partition set over one record collection. Every write runs the same
// pipeline: coerce, validate, before-hooks, encode, store write,
// partition pointer update, after-hooks, operation event. Reads run it
// backwards: store read (through the record cache when attached), header
// decode, schema resolution, decrypt, decode, after-read hooks. Before
// hooks abort the operation by returning an error; after hooks never
// unwind a durable write, their failures are counted and announced on
// the bus instead.
//
// Partition pointers are written after the primary object, one partition
// at a time with a single retry, so a crash or store failure can leave
// orphan pointers but never a pointerless record invisible to Get. A
// failed pointer write surfaces as a PointerStaleError alongside a
// pointer-stale event; listings reclaim orphans lazily and
// RebuildPartitions reconciles everything on demand.
//
// # Plugins
//
// A Plugin attaches through UsePlugin and lives the lifecycle
// registered, setup-complete, running, stopped, uninstalled. Setup hands
// it a PluginHost: storage confined under plugin=<id>/, hook
// registration across existing and future resources, and the event bus
// (emits forced under plugin:<id>:*). Dependencies declared with
// DependsOn order startup topologically; a cycle fails Connect, any
// other setup or start failure sidelines only that plugin. The manifest
// persists each plugin's enabled flag and configuration blob.
package db
