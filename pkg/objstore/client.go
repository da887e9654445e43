package objstore

import (
	"context"
	"strings"
	"time"
)

// Reporter receives per-request usage for cost accounting. Every attempt
// against the store is reported, including retries.
type Reporter interface {
	Record(command string, requestBytes, responseBytes int64)
}

// PutOptions carries optional preconditions for a write.
type PutOptions struct {
	ContentType string

	// IfMatch writes only when the stored ETag matches.
	IfMatch string

	// IfNoneMatch set to "*" writes only when no object exists at the key.
	IfNoneMatch string

	// SafeRetry marks an unconditional put as replayable. Puts carrying a
	// precondition are always replayable; anything else is retried only
	// when the caller sets this.
	SafeRetry bool
}

// conditional reports whether the put carries a precondition.
func (o PutOptions) conditional() bool {
	return o.IfMatch != "" || o.IfNoneMatch != ""
}

// PutResult reports the outcome of a successful write.
type PutResult struct {
	ETag string
}

// Object is a fully fetched object: payload plus user metadata.
type Object struct {
	Key          string
	Body         []byte
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

// ObjectInfo describes an object without its payload.
type ObjectInfo struct {
	Key          string
	Metadata     map[string]string
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListOptions controls listing pagination.
type ListOptions struct {
	// PageSize bounds the number of keys per page. Zero means the backend
	// default (1000).
	PageSize int

	// Token resumes listing after a previous page's NextToken.
	Token string
}

// ListPage is one page of keys under a prefix, in lexicographic order.
type ListPage struct {
	Keys      []string
	NextToken string
}

// Truncated reports whether more pages follow.
func (p *ListPage) Truncated() bool {
	return p.NextToken != ""
}

// DeleteOutcome reports the per-key result of a batch delete.
type DeleteOutcome struct {
	Key string
	Err error
}

// Client is the narrow object store surface the engine builds on. Every
// method honors context cancellation, reports usage to the configured
// Reporter, and returns errors from the pkg/errs taxonomy: NotFoundError for
// missing objects, StoreRejectedError for logical rejections,
// StoreUnavailableError for transport failures, and CancelledError when the
// context ends first.
//
// Metadata keys are normalized to lowercase on both write and read. Deletes
// are idempotent: deleting a missing key succeeds.
type Client interface {
	PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (*PutResult, error)
	GetObject(ctx context.Context, key string) (*Object, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error

	// DeleteObjects removes up to 1000 keys per backend request and reports
	// per-key outcomes in input order. A missing key is a success.
	DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error)

	ListObjects(ctx context.Context, prefix string, opts ListOptions) (*ListPage, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Backend names the implementation, for logs and metric labels.
	Backend() string
}

// normalizeMetadata lowercases metadata keys and strips surrounding
// whitespace. The wire protocol transports metadata as HTTP headers, which
// are case-insensitive and reject padded names; normalizing on both sides
// keeps round-trips stable.
func normalizeMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	normalized := make(map[string]string, len(metadata))
	for key, value := range metadata {
		normalized[strings.TrimSpace(strings.ToLower(key))] = value
	}
	return normalized
}

// noopReporter swallows usage reports.
type noopReporter struct{}

func (noopReporter) Record(string, int64, int64) {}
