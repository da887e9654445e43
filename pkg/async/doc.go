// Package async provides the concurrency primitives the engine fans out
// with.
//
// Three tools, three shapes of work:
//
//   - Run: one-shot bounded fan-out over a slice with per-item outcomes.
//     Batch record operations (insertMany, getMany, deleteMany) and
//     parallel page decoding are built on it.
//   - WorkerPool: long-lived workers draining a task feed, for plugins
//     with a steady delivery stream.
//   - SafeGo: fire-and-forget with panic recovery and a deadline.
//
// Run keeps at most Concurrency calls in flight (16 when unset) and
// reports every item's outcome at its input index, so callers can map
// aggregate results back to their inputs regardless of completion order.
// With StopOnError the first failure cancels the batch context;
// already-running calls finish, unstarted items come back as skipped and
// the aggregate is flagged partial.
package async
