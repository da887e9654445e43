// Package events is the in-process pub/sub fabric between the engine and
// its plugins.
//
// # Delivery model
//
// Emit returns before any handler runs. Each subscription owns an
// unbounded FIFO queue drained by its own goroutine, which gives three
// properties at once: emitters never block, a slow subscriber delays only
// itself, and events sharing a name reach each subscriber in emit order.
// Nothing is persisted; a subscriber attached after an emit never sees it.
//
// The queues absorb bursts by growing, trading memory for simplicity.
// Handlers that do long work should hand off to their own worker instead
// of holding the queue back.
//
// # Topics
//
// Core topics are sealed: operation outcomes, hook failures, stale
// pointers and plugin lifecycle transitions, with typed payloads defined
// in this package. Plugins extend the space under plugin:<id>:*.
// Subscription patterns match exactly, by "prefix:*", or everything
// with "*".
package events
