package objstore

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/config"
	"github.com/platinummonkey/pannier/pkg/observability"
)

// Options carries the cross-cutting collaborators a client is built with.
// All fields are optional.
type Options struct {
	// Logger receives retry warnings. Defaults to a fresh logrus logger.
	Logger *logrus.Logger

	// Reporter is told about every request attempt for cost accounting.
	Reporter Reporter

	// Metrics, when set, records request counts, durations and retries.
	Metrics *observability.Metrics
}

// New builds a Client for the given store configuration: the in-memory
// fake when UseFake is set, otherwise the S3 backend. Either way the
// client is wrapped with the retry layer driven by cfg.Retry.
func New(ctx context.Context, cfg config.StoreConfig, opts Options) (Client, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = noopReporter{}
	}
	if opts.Metrics != nil {
		reporter = &meteredReporter{next: reporter, metrics: opts.Metrics}
	}

	var base Client
	if cfg.UseFake {
		fake := NewFake()
		fake.reporter = reporter
		base = fake
	} else {
		s3c, err := newS3Client(ctx, cfg, reporter)
		if err != nil {
			return nil, err
		}
		base = s3c
	}

	return withRetries(base, cfg.Retry, opts.Logger, opts.Metrics), nil
}

// meteredReporter tees usage reports into the byte-size histograms on the
// way to the cost accountant.
type meteredReporter struct {
	next    Reporter
	metrics *observability.Metrics
}

func (r *meteredReporter) Record(command string, requestBytes, responseBytes int64) {
	r.next.Record(command, requestBytes, responseBytes)
	if requestBytes > 0 {
		r.metrics.StoreRequestBytes.WithLabelValues(command, "request").Observe(float64(requestBytes))
	}
	if responseBytes > 0 {
		r.metrics.StoreRequestBytes.WithLabelValues(command, "response").Observe(float64(responseBytes))
	}
}
