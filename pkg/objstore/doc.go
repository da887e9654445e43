// Package objstore provides the object store client the engine persists
// through. The primary implementation targets S3 and any S3-compatible
// endpoint (MinIO, localstack); an in-memory fake with identical
// semantics backs tests and local development.
//
// # Client contract
//
// Client is a flat key/value surface: put, get, head, delete, batch
// delete, and paginated listing by key prefix. Every implementation
// returns errors from the pannier/pkg/errs taxonomy, lowercases
// metadata keys, and namespaces keys under the configured root prefix
// so callers only ever see engine-relative keys.
//
// Conditional writes ride on ETags: PutOptions.IfNoneMatch ("*")
// makes a put succeed only when the key is absent, and
// PutOptions.IfMatch makes it succeed only when the stored ETag still
// matches. Both surface rejection as a StoreRejectedError carrying the
// backend's precondition code.
//
// # Retries
//
// New wraps each client with a retry layer: exponential backoff with
// jitter, driven by config.RetryConfig. Only errors the taxonomy marks
// retryable are retried, and unconditional puts are never replayed
// unless the caller declares them safe, since a blind replay could
// clobber a concurrent writer.
//
// # Accounting
//
// Every attempt, including retries, is reported to the Reporter with
// its request and response payload sizes. The cost accountant in
// pannier/pkg/costs consumes these to estimate spend.
package objstore
