package objstore

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/config"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/observability"
)

// nextDelay computes the backoff before retry number attempt (1-based):
// exponential growth capped at MaxDelay, spread by the jitter fraction so
// concurrent clients do not retry in lockstep.
func nextDelay(cfg config.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
		if delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterFraction > 0 {
		spread := delay * cfg.JitterFraction
		delay = delay - spread + rand.Float64()*2*spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// retrier decorates a Client with the retry policy. Reads, listings, and
// deletes are always replayable; writes only when they carry a precondition
// or the caller marked them safe.
type retrier struct {
	base    Client
	cfg     config.RetryConfig
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// withRetries wraps a client in the retry policy.
func withRetries(base Client, cfg config.RetryConfig, logger *logrus.Logger, metrics *observability.Metrics) Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &retrier{base: base, cfg: cfg, logger: logger, metrics: metrics}
}

func (r *retrier) Backend() string { return r.base.Backend() }

func (r *retrier) do(ctx context.Context, op, key string, replayable bool, fn func() error) error {
	maxAttempts := r.cfg.MaxAttempts
	if !replayable || maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := fn()
		r.observe(op, start, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= maxAttempts || !errs.Retryable(err) {
			return lastErr
		}

		delay := nextDelay(r.cfg, attempt)
		r.logger.WithFields(logrus.Fields{
			"operation": op,
			"key":       key,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).WithError(err).Warn("store request failed, retrying")
		if r.metrics != nil {
			r.metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &errs.CancelledError{Op: op, Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (r *retrier) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = errs.Code(err)
		if status == "" {
			status = "error"
		}
	}
	backend := r.base.Backend()
	r.metrics.StoreRequestsTotal.WithLabelValues(op, backend, status).Inc()
	r.metrics.StoreRequestDuration.WithLabelValues(op, backend).Observe(time.Since(start).Seconds())
}

func (r *retrier) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (*PutResult, error) {
	var result *PutResult
	replayable := opts.conditional() || opts.SafeRetry
	err := r.do(ctx, "PutObject", key, replayable, func() error {
		var err error
		result, err = r.base.PutObject(ctx, key, body, metadata, opts)
		return err
	})
	return result, err
}

func (r *retrier) GetObject(ctx context.Context, key string) (*Object, error) {
	var obj *Object
	err := r.do(ctx, "GetObject", key, true, func() error {
		var err error
		obj, err = r.base.GetObject(ctx, key)
		return err
	})
	return obj, err
}

func (r *retrier) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := r.do(ctx, "HeadObject", key, true, func() error {
		var err error
		info, err = r.base.HeadObject(ctx, key)
		return err
	})
	return info, err
}

func (r *retrier) DeleteObject(ctx context.Context, key string) error {
	return r.do(ctx, "DeleteObject", key, true, func() error {
		return r.base.DeleteObject(ctx, key)
	})
}

func (r *retrier) DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error) {
	var outcomes []DeleteOutcome
	err := r.do(ctx, "DeleteObjects", "", true, func() error {
		var err error
		outcomes, err = r.base.DeleteObjects(ctx, keys)
		return err
	})
	return outcomes, err
}

func (r *retrier) ListObjects(ctx context.Context, prefix string, opts ListOptions) (*ListPage, error) {
	var page *ListPage
	err := r.do(ctx, "ListObjectsV2", prefix, true, func() error {
		var err error
		page, err = r.base.ListObjects(ctx, prefix, opts)
		return err
	})
	return page, err
}

func (r *retrier) Ping(ctx context.Context) error {
	return r.base.Ping(ctx)
}
