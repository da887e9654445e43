// Package cache provides read-through caching for encoded records.
//
// A cached value is the object image as stored: string metadata plus the
// optional body, with the ETag it was read at. Caching below the codec
// keeps encrypted fields encrypted in shared backends and lets an entry
// serve any decode path.
//
// Two drivers are provided. Memory is a per-process LRU with entry
// expiry. Redis shares a working set between processes over go-redis.
// Both degrade instead of failing: a backend error on read falls through
// to the loader, and write errors are logged and dropped.
package cache
