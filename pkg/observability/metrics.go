package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Object store metrics
	StoreRequestsTotal   *prometheus.CounterVec
	StoreRequestDuration *prometheus.HistogramVec
	StoreRequestBytes    *prometheus.HistogramVec
	StoreRetriesTotal    *prometheus.CounterVec

	// Record operation metrics
	RecordOperationsTotal   *prometheus.CounterVec
	RecordOperationDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Event bus metrics
	EventsEmittedTotal      *prometheus.CounterVec
	EventHandlerPanicsTotal prometheus.Counter

	// Pipeline health metrics
	HookFailuresTotal      *prometheus.CounterVec
	PointerStaleTotal      *prometheus.CounterVec
	ManifestConflictsTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// Object store metrics
		StoreRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_store_requests_total",
				Help: "Total number of object store requests",
			},
			[]string{"operation", "backend", "status"},
		),
		StoreRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pannier_store_request_duration_seconds",
				Help:    "Object store request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StoreRequestBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pannier_store_request_bytes",
				Help:    "Bytes moved per object store request",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"operation", "direction"},
		),
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_store_retries_total",
				Help: "Total number of retried object store requests",
			},
			[]string{"operation"},
		),

		// Record operation metrics
		RecordOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_record_operations_total",
				Help: "Total number of record operations",
			},
			[]string{"resource", "operation", "status"},
		),
		RecordOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pannier_record_operation_duration_seconds",
				Help:    "Record operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "operation"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_cache_hits_total",
				Help: "Total number of record cache hits",
			},
			[]string{"driver"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_cache_misses_total",
				Help: "Total number of record cache misses",
			},
			[]string{"driver"},
		),

		// Event bus metrics
		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_events_emitted_total",
				Help: "Total number of events emitted on the bus",
			},
			[]string{"name"},
		),
		EventHandlerPanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pannier_event_handler_panics_total",
				Help: "Total number of recovered event handler panics",
			},
		),

		// Pipeline health metrics
		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_hook_failures_total",
				Help: "Total number of failed hooks",
			},
			[]string{"resource", "phase"},
		),
		PointerStaleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pannier_partition_pointer_stale_total",
				Help: "Total number of partition pointer writes abandoned after retry",
			},
			[]string{"resource", "partition"},
		),
		ManifestConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pannier_manifest_conflicts_total",
				Help: "Total number of manifest write conflicts",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.StoreRequestsTotal,
		m.StoreRequestDuration,
		m.StoreRequestBytes,
		m.StoreRetriesTotal,
		m.RecordOperationsTotal,
		m.RecordOperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EventsEmittedTotal,
		m.EventHandlerPanicsTotal,
		m.HookFailuresTotal,
		m.PointerStaleTotal,
		m.ManifestConflictsTotal,
	)

	return m
}
