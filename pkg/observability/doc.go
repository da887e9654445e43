// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure including logrus
// logger construction, engine metric vectors, dependency health checks, and
// distributed tracing bootstrap.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(logrus.InfoLevel, "json", nil)
//	logger.WithField("bucket", cfg.Bucket).Info("connected")
//
// Trace correlation:
//
//	observability.WithTraceContext(ctx, logger).Info("record written")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.StoreRequestsTotal.WithLabelValues("PutObject", "s3", "ok").Inc()
//	metrics.RecordOperationDuration.WithLabelValues("orders", "insert").Observe(0.031)
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker()
//	checker.Register("store", storeCheck)
//	checker.RegisterOptional("redis", observability.RedisCheck(client))
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
// Initialize tracing:
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "pannier",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/objstore: Instruments store requests with these metrics and spans
package observability
