package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *Entry {
	return &Entry{
		Metadata: map[string]string{"_v": "0", "status": "open"},
		Body:     []byte(`{"notes":"hello"}`),
		ETag:     "etag-1",
	}
}

func TestMemoryHitAndMiss(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	m.Set(ctx, "resource=orders/data/id=o1", sampleEntry())

	got, err := m.Get(ctx, "resource=orders/data/id=o1")
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), got)

	_, err = m.Get(ctx, "resource=orders/data/id=missing")
	assert.ErrorIs(t, err, ErrMiss)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, int64(1), stats.Items)
}

func TestMemoryEntriesAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	original := sampleEntry()
	m.Set(ctx, "k", original)
	original.Metadata["status"] = "mutated-after-set"
	original.Body[0] = 'X'

	first, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "open", first.Metadata["status"])
	assert.Equal(t, byte('{'), first.Body[0])

	first.Metadata["status"] = "mutated-after-get"
	first.Body[0] = 'Y'

	second, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "open", second.Metadata["status"])
	assert.Equal(t, byte('{'), second.Body[0])
}

func TestMemoryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, 25*time.Millisecond)

	m.Set(ctx, "k", sampleEntry())
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, time.Minute)

	m.Set(ctx, "a", sampleEntry())
	m.Set(ctx, "b", sampleEntry())
	m.Set(ctx, "c", sampleEntry())

	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = m.Get(ctx, "b")
	assert.NoError(t, err)
	_, err = m.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	m.Set(ctx, "k", sampleEntry())
	m.Delete(ctx, "k")

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryZeroConfigUsesDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 0)

	m.Set(ctx, "k", sampleEntry())
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, "memory", m.Driver())
}

func TestMemoryCloseDropsEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	m.Set(ctx, "k", sampleEntry())
	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNilEntryIsIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	m.Set(ctx, "k", nil)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
