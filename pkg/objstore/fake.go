package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/pannier/pkg/errs"
)

// fakeListMax mirrors the backend's default page size.
const fakeListMax = 1000

type fakeItem struct {
	key          string
	body         []byte
	metadata     map[string]string
	etag         string
	lastModified time.Time
}

// FakeClient is an in-memory Client used by tests and by connections
// opened with UseFake. It enforces the same conditional-write and
// pagination semantics as the S3 implementation, keeps items sorted by
// key, and counts calls per operation so tests can assert on traffic.
type FakeClient struct {
	mu       sync.Mutex
	items    []fakeItem
	seq      int64
	failures map[string][]error
	reporter Reporter

	CallCount struct {
		Put         int
		Get         int
		Head        int
		Delete      int
		DeleteBatch int
		List        int
		Ping        int
	}
}

// NewFake creates an empty in-memory store.
func NewFake() *FakeClient {
	return &FakeClient{
		failures: make(map[string][]error),
		reporter: noopReporter{},
	}
}

func (f *FakeClient) Backend() string { return "fake" }

// FailNext queues err to be returned by the next call of the named
// operation ("PutObject", "GetObject", "HeadObject", "DeleteObject",
// "DeleteObjects", "ListObjectsV2", "Ping"). Repeated calls queue
// repeated failures, consumed in order.
func (f *FakeClient) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Keys returns every stored key in lexicographic order.
func (f *FakeClient) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.items))
	for i, item := range f.items {
		keys[i] = item.key
	}
	return keys
}

// ObjectCount returns the number of stored objects.
func (f *FakeClient) ObjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// nextFailure pops the oldest queued failure for op, if any.
// Callers must hold f.mu.
func (f *FakeClient) nextFailure(op string) error {
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

// indexOf finds the index of key or where it would be inserted.
// Callers must hold f.mu.
func (f *FakeClient) indexOf(key string) (int, bool) {
	i := sort.Search(len(f.items), func(k int) bool {
		return f.items[k].key >= key
	})
	if i >= len(f.items) {
		return i, false
	}
	return i, f.items[i].key == key
}

func (f *FakeClient) nextETag() string {
	f.seq++
	return fmt.Sprintf("%q", fmt.Sprintf("fake-%08d", f.seq))
}

func (f *FakeClient) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (*PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.Put++
	f.reporter.Record("PutObject", int64(len(body)), 0)

	if err := ctx.Err(); err != nil {
		return nil, &errs.CancelledError{Op: "PutObject", Cause: err}
	}
	if err := f.nextFailure("PutObject"); err != nil {
		return nil, err
	}

	idx, found := f.indexOf(key)
	if opts.IfNoneMatch != "" && found {
		return nil, preconditionError("PutObject", key)
	}
	if opts.IfMatch != "" {
		if !found || f.items[idx].etag != opts.IfMatch {
			return nil, preconditionError("PutObject", key)
		}
	}

	item := fakeItem{
		key:          key,
		body:         append([]byte(nil), body...),
		metadata:     normalizeMetadata(metadata),
		etag:         f.nextETag(),
		lastModified: time.Now().UTC(),
	}
	if found {
		f.items[idx] = item
	} else {
		f.items = append(f.items, fakeItem{})
		copy(f.items[idx+1:], f.items[idx:])
		f.items[idx] = item
	}
	return &PutResult{ETag: item.etag}, nil
}

func (f *FakeClient) GetObject(ctx context.Context, key string) (*Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.Get++

	if err := ctx.Err(); err != nil {
		return nil, &errs.CancelledError{Op: "GetObject", Cause: err}
	}
	if err := f.nextFailure("GetObject"); err != nil {
		f.reporter.Record("GetObject", 0, 0)
		return nil, err
	}

	idx, found := f.indexOf(key)
	if !found {
		f.reporter.Record("GetObject", 0, 0)
		return nil, &errs.NotFoundError{Key: key}
	}

	item := f.items[idx]
	f.reporter.Record("GetObject", 0, int64(len(item.body)))
	return &Object{
		Key:          key,
		Body:         append([]byte(nil), item.body...),
		Metadata:     cloneMetadata(item.metadata),
		ETag:         item.etag,
		LastModified: item.lastModified,
	}, nil
}

func (f *FakeClient) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.Head++
	f.reporter.Record("HeadObject", 0, 0)

	if err := ctx.Err(); err != nil {
		return nil, &errs.CancelledError{Op: "HeadObject", Cause: err}
	}
	if err := f.nextFailure("HeadObject"); err != nil {
		return nil, err
	}

	idx, found := f.indexOf(key)
	if !found {
		return nil, &errs.NotFoundError{Key: key}
	}

	item := f.items[idx]
	return &ObjectInfo{
		Key:          key,
		Metadata:     cloneMetadata(item.metadata),
		ETag:         item.etag,
		Size:         int64(len(item.body)),
		LastModified: item.lastModified,
	}, nil
}

func (f *FakeClient) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.Delete++
	f.reporter.Record("DeleteObject", 0, 0)

	if err := ctx.Err(); err != nil {
		return &errs.CancelledError{Op: "DeleteObject", Cause: err}
	}
	if err := f.nextFailure("DeleteObject"); err != nil {
		return err
	}

	idx, found := f.indexOf(key)
	if !found {
		// Deleting an absent key succeeds, matching the backend.
		return nil
	}
	copy(f.items[idx:], f.items[idx+1:])
	f.items = f.items[:len(f.items)-1]
	return nil
}

func (f *FakeClient) DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.DeleteBatch++
	f.reporter.Record("DeleteObjects", 0, 0)

	if err := ctx.Err(); err != nil {
		return nil, &errs.CancelledError{Op: "DeleteObjects", Cause: err}
	}
	if err := f.nextFailure("DeleteObjects"); err != nil {
		return nil, err
	}

	outcomes := make([]DeleteOutcome, len(keys))
	for i, key := range keys {
		outcomes[i] = DeleteOutcome{Key: key}
		idx, found := f.indexOf(key)
		if !found {
			continue
		}
		copy(f.items[idx:], f.items[idx+1:])
		f.items = f.items[:len(f.items)-1]
	}
	return outcomes, nil
}

func (f *FakeClient) ListObjects(ctx context.Context, prefix string, opts ListOptions) (*ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.List++
	f.reporter.Record("ListObjectsV2", 0, 0)

	if err := ctx.Err(); err != nil {
		return nil, &errs.CancelledError{Op: "ListObjectsV2", Cause: err}
	}
	if err := f.nextFailure("ListObjectsV2"); err != nil {
		return nil, err
	}

	limit := opts.PageSize
	if limit <= 0 || limit > fakeListMax {
		limit = fakeListMax
	}

	page := &ListPage{}
	for _, item := range f.items {
		if !strings.HasPrefix(item.key, prefix) {
			continue
		}
		// The token is the last key of the previous page; resume after it.
		if opts.Token != "" && item.key <= opts.Token {
			continue
		}
		if len(page.Keys) == limit {
			page.NextToken = page.Keys[limit-1]
			return page, nil
		}
		page.Keys = append(page.Keys, item.key)
	}
	return page, nil
}

func (f *FakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount.Ping++

	if err := ctx.Err(); err != nil {
		return &errs.CancelledError{Op: "Ping", Cause: err}
	}
	return f.nextFailure("Ping")
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
