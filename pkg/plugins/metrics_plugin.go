package plugins

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/events"
)

// MetricsPlugin exposes engine activity through prometheus. It registers
// two collectors while running: a counter over completed operations fed by
// the event bus, and a cost collector that prices accumulated object-store
// usage at scrape time. Both are unregistered on stop, so a disabled plugin
// leaves no trace in the registry.
type MetricsPlugin struct {
	registry prometheus.Registerer

	host      *db.PluginHost
	ops       *prometheus.CounterVec
	collector *costCollector
	sub       *events.Subscription
}

// NewMetricsPlugin publishes into registry, or the prometheus default when
// nil.
func NewMetricsPlugin(registry prometheus.Registerer) *MetricsPlugin {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &MetricsPlugin{registry: registry}
}

func (p *MetricsPlugin) ID() string { return "metrics" }

func (p *MetricsPlugin) Setup(ctx context.Context, host *db.PluginHost) error {
	p.host = host
	p.ops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pannier_observed_operations_total",
		Help: "Completed resource operations observed on the event bus.",
	}, []string{"resource", "op"})
	p.collector = newCostCollector(host.DB())
	return nil
}

func (p *MetricsPlugin) Start(ctx context.Context) error {
	if err := p.registry.Register(p.ops); err != nil {
		return err
	}
	if err := p.registry.Register(p.collector); err != nil {
		p.registry.Unregister(p.ops)
		return err
	}
	p.sub = p.host.On("resource:*", p.observe)
	return nil
}

func (p *MetricsPlugin) Stop(ctx context.Context) error {
	if p.sub != nil {
		p.sub.Close()
		p.sub = nil
	}
	p.registry.Unregister(p.ops)
	p.registry.Unregister(p.collector)
	return nil
}

func (p *MetricsPlugin) observe(ev events.Event) {
	if op, ok := ev.Payload.(events.OperationEvent); ok {
		p.ops.WithLabelValues(op.Resource, op.Op).Inc()
	}
}

// costCollector prices the database's accumulated store usage on every
// scrape. Reading the accountant is cheap, so no caching between scrapes.
type costCollector struct {
	database *db.Database

	requests      *prometheus.Desc
	requestBytes  *prometheus.Desc
	responseBytes *prometheus.Desc
	storedBytes   *prometheus.Desc
	dollars       *prometheus.Desc
}

func newCostCollector(database *db.Database) *costCollector {
	return &costCollector{
		database: database,
		requests: prometheus.NewDesc(
			"pannier_cost_requests_total",
			"Object store requests accumulated by the cost accountant.",
			[]string{"command"}, nil,
		),
		requestBytes: prometheus.NewDesc(
			"pannier_cost_request_bytes_total",
			"Bytes sent to the object store.",
			nil, nil,
		),
		responseBytes: prometheus.NewDesc(
			"pannier_cost_response_bytes_total",
			"Bytes received from the object store.",
			nil, nil,
		),
		storedBytes: prometheus.NewDesc(
			"pannier_cost_stored_bytes_estimate",
			"Cumulative put payload volume, an upper bound on stored data.",
			nil, nil,
		),
		dollars: prometheus.NewDesc(
			"pannier_cost_estimated_dollars",
			"Estimated spend for the accumulated usage.",
			nil, nil,
		),
	}
}

func (c *costCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.requestBytes
	ch <- c.responseBytes
	ch <- c.storedBytes
	ch <- c.dollars
}

func (c *costCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.database.Costs()
	for command, stats := range snap.Commands {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.Requests), command)
	}
	ch <- prometheus.MustNewConstMetric(c.requestBytes, prometheus.CounterValue, float64(snap.RequestBytes))
	ch <- prometheus.MustNewConstMetric(c.responseBytes, prometheus.CounterValue, float64(snap.ResponseBytes))
	ch <- prometheus.MustNewConstMetric(c.storedBytes, prometheus.GaugeValue, float64(snap.StoredBytesEstimate))
	ch <- prometheus.MustNewConstMetric(c.dollars, prometheus.GaugeValue, snap.EstimatedDollars)
}
