package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/config"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/observability"
)

func fastRetryConfig(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func unavailable(op, key string) error {
	return &errs.StoreUnavailableError{Op: op, Key: key}
}

func TestRetrierRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	_, err := fake.PutObject(ctx, "k", []byte("v"), nil, PutOptions{})
	require.NoError(t, err)

	fake.FailNext("GetObject", unavailable("GetObject", "k"))
	fake.FailNext("GetObject", unavailable("GetObject", "k"))

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	obj, err := client.GetObject(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), obj.Body)
	assert.Equal(t, 3, fake.CallCount.Get, "two failed attempts plus the success")
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	for i := 0; i < 5; i++ {
		fake.FailNext("GetObject", unavailable("GetObject", "k"))
	}

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	_, err := client.GetObject(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, errs.CodeStoreUnavailable, errs.Code(err))
	assert.Equal(t, 3, fake.CallCount.Get)
}

func TestRetrierStopsOnNonRetryable(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	_, err := client.GetObject(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 1, fake.CallCount.Get)
}

func TestRetrierUnconditionalPutNotReplayed(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.FailNext("PutObject", unavailable("PutObject", "k"))

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	_, err := client.PutObject(ctx, "k", []byte("v"), nil, PutOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, fake.CallCount.Put)
}

func TestRetrierConditionalPutReplayed(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.FailNext("PutObject", unavailable("PutObject", "k"))

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	result, err := client.PutObject(ctx, "k", []byte("v"), nil, PutOptions{IfNoneMatch: "*"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ETag)
	assert.Equal(t, 2, fake.CallCount.Put)
}

func TestRetrierSafeRetryPutReplayed(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.FailNext("PutObject", unavailable("PutObject", "k"))

	client := withRetries(fake, fastRetryConfig(3), nil, nil)
	_, err := client.PutObject(ctx, "k", []byte("v"), nil, PutOptions{SafeRetry: true})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.CallCount.Put)
}

func TestRetrierCancelledDuringBackoff(t *testing.T) {
	fake := NewFake()
	for i := 0; i < 5; i++ {
		fake.FailNext("GetObject", unavailable("GetObject", "k"))
	}

	cfg := config.RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	client := withRetries(fake, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.GetObject(ctx, "k")
	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err))
	assert.Equal(t, 1, fake.CallCount.Get, "cancellation interrupts the backoff wait")
}

func TestRetrierRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	fake := NewFake()
	_, err := fake.PutObject(ctx, "k", []byte("v"), nil, PutOptions{})
	require.NoError(t, err)
	fake.FailNext("GetObject", unavailable("GetObject", "k"))

	client := withRetries(fake, fastRetryConfig(3), nil, metrics)
	_, err = client.GetObject(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.StoreRetriesTotal.WithLabelValues("GetObject")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.StoreRequestsTotal.WithLabelValues("GetObject", "fake", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.StoreRequestsTotal.WithLabelValues("GetObject", "fake", errs.CodeStoreUnavailable)))
}

func TestNewTeesByteSizesIntoMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := config.StoreConfig{UseFake: true, Retry: fastRetryConfig(3)}
	client, err := New(ctx, cfg, Options{Metrics: metrics})
	require.NoError(t, err)

	_, err = client.PutObject(ctx, "k", []byte("12345"), nil, PutOptions{})
	require.NoError(t, err)
	_, err = client.GetObject(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(metrics.StoreRequestBytes),
		"one series per direction: the put's request bytes, the get's response bytes")
}

func TestNextDelayGrowthAndCap(t *testing.T) {
	cfg := config.RetryConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          400 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 400 * time.Millisecond},
		{attempt: 10, want: 400 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNextDelayJitterStaysInBand(t *testing.T) {
	cfg := config.RetryConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		JitterFraction:    0.2,
	}

	for i := 0; i < 100; i++ {
		delay := nextDelay(cfg, 2)
		assert.GreaterOrEqual(t, delay, 160*time.Millisecond)
		assert.LessOrEqual(t, delay, 240*time.Millisecond)
	}
}
