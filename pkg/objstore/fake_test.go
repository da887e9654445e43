package objstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/errs"
)

func TestFakePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	result, err := fake.PutObject(ctx, "resource=users/data/id=1", []byte("hello"), map[string]string{"Name": "amy", " Role ": "admin"}, PutOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, result.ETag)

	obj, err := fake.GetObject(ctx, "resource=users/data/id=1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), obj.Body)
	assert.Equal(t, "amy", obj.Metadata["name"], "metadata keys are lowercased")
	assert.Equal(t, "admin", obj.Metadata["role"], "metadata keys are trimmed")
	assert.Equal(t, result.ETag, obj.ETag)
	assert.False(t, obj.LastModified.IsZero())
}

func TestFakeGetMissing(t *testing.T) {
	fake := NewFake()

	_, err := fake.GetObject(context.Background(), "resource=users/data/id=ghost")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))

	_, err = fake.HeadObject(context.Background(), "resource=users/data/id=ghost")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestFakeOverwriteChangesETag(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	first, err := fake.PutObject(ctx, "k", []byte("v1"), nil, PutOptions{})
	require.NoError(t, err)
	second, err := fake.PutObject(ctx, "k", []byte("v2"), nil, PutOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)

	obj, err := fake.GetObject(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), obj.Body)
	assert.Equal(t, 1, fake.ObjectCount())
}

func TestFakeConditionalPuts(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	// Create-only put succeeds when the key is absent.
	created, err := fake.PutObject(ctx, "k", []byte("v1"), nil, PutOptions{IfNoneMatch: "*"})
	require.NoError(t, err)

	// And fails once it exists.
	_, err = fake.PutObject(ctx, "k", []byte("v2"), nil, PutOptions{IfNoneMatch: "*"})
	require.Error(t, err)
	assert.True(t, IsPreconditionFailure(err))
	assert.Equal(t, errs.CodeStoreRejected, errs.Code(err))

	// If-match succeeds against the current ETag.
	updated, err := fake.PutObject(ctx, "k", []byte("v2"), nil, PutOptions{IfMatch: created.ETag})
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)

	// And fails against a stale one.
	_, err = fake.PutObject(ctx, "k", []byte("v3"), nil, PutOptions{IfMatch: created.ETag})
	require.Error(t, err)
	assert.True(t, IsPreconditionFailure(err))

	// If-match against a missing key fails too.
	_, err = fake.PutObject(ctx, "absent", []byte("v"), nil, PutOptions{IfMatch: created.ETag})
	require.Error(t, err)
	assert.True(t, IsPreconditionFailure(err))

	obj, err := fake.GetObject(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), obj.Body, "losing writes must not land")
}

func TestFakeDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	require.NoError(t, fake.DeleteObject(ctx, "never-existed"))

	_, err := fake.PutObject(ctx, "k", []byte("v"), nil, PutOptions{})
	require.NoError(t, err)
	require.NoError(t, fake.DeleteObject(ctx, "k"))
	require.NoError(t, fake.DeleteObject(ctx, "k"))

	_, err = fake.GetObject(ctx, "k")
	assert.True(t, errs.IsNotFound(err))
}

func TestFakeDeleteObjectsMissingKeysSucceed(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	for _, key := range []string{"a", "c"} {
		_, err := fake.PutObject(ctx, key, []byte("v"), nil, PutOptions{})
		require.NoError(t, err)
	}

	outcomes, err := fake.DeleteObjects(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.NoError(t, outcome.Err, "key %s", outcome.Key)
	}
	assert.Equal(t, 0, fake.ObjectCount())
}

func TestFakeListPagination(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("resource=users/data/id=%02d", i)
		_, err := fake.PutObject(ctx, key, []byte("v"), nil, PutOptions{})
		require.NoError(t, err)
	}
	_, err := fake.PutObject(ctx, "resource=orders/data/id=00", []byte("v"), nil, PutOptions{})
	require.NoError(t, err)

	var collected []string
	token := ""
	pages := 0
	for {
		page, err := fake.ListObjects(ctx, "resource=users/", ListOptions{PageSize: 2, Token: token})
		require.NoError(t, err)
		collected = append(collected, page.Keys...)
		pages++
		if !page.Truncated() {
			break
		}
		token = page.NextToken
	}

	assert.Equal(t, 3, pages)
	require.Len(t, collected, 5)
	assert.IsIncreasing(t, collected)
	for _, key := range collected {
		assert.Contains(t, key, "resource=users/")
	}
}

func TestFakeListEmptyPrefix(t *testing.T) {
	fake := NewFake()
	page, err := fake.ListObjects(context.Background(), "resource=none/", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Keys)
	assert.False(t, page.Truncated())
}

func TestFakeFailNext(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	_, err := fake.PutObject(ctx, "k", []byte("v"), nil, PutOptions{})
	require.NoError(t, err)

	injected := &errs.StoreUnavailableError{Op: "GetObject", Key: "k"}
	fake.FailNext("GetObject", injected)

	_, err = fake.GetObject(ctx, "k")
	assert.ErrorIs(t, err, injected)

	obj, err := fake.GetObject(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), obj.Body)
	assert.Equal(t, 3, fake.CallCount.Get, "injected failures still count as calls")
}

func TestFakeReportsToReporter(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	recorder := &recordingReporter{}
	fake.reporter = recorder

	_, err := fake.PutObject(ctx, "k", []byte("12345"), nil, PutOptions{})
	require.NoError(t, err)
	_, err = fake.GetObject(ctx, "k")
	require.NoError(t, err)

	require.Len(t, recorder.calls, 2)
	assert.Equal(t, reporterCall{command: "PutObject", requestBytes: 5}, recorder.calls[0])
	assert.Equal(t, reporterCall{command: "GetObject", responseBytes: 5}, recorder.calls[1])
}

type reporterCall struct {
	command       string
	requestBytes  int64
	responseBytes int64
}

type recordingReporter struct {
	calls []reporterCall
}

func (r *recordingReporter) Record(command string, requestBytes, responseBytes int64) {
	r.calls = append(r.calls, reporterCall{command: command, requestBytes: requestBytes, responseBytes: responseBytes})
}
