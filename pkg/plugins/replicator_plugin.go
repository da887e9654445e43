package plugins

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/async"
	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/events"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Destination receives replicated operations. Deliver must be safe for
// concurrent calls; the plugin invokes it from its worker pool.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// Delivery is one replicated operation.
type Delivery struct {
	Resource string
	Op       string
	Record   schema.Record

	// Before is the prior state for update and delete. Nil on insert.
	Before *schema.Record

	// Attempt counts from 1 across retries of this delivery.
	Attempt int
}

// RetryConfig bounds per-delivery retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	return c
}

// delay returns the pause before retrying after the given attempt,
// exponential in the attempt number and capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// ReplicatorConfig controls what gets replicated and how hard.
type ReplicatorConfig struct {
	// Resources to replicate. Empty replicates every resource.
	Resources []string

	// Workers drain the delivery queue concurrently. Default 4.
	Workers int

	// DeliveryTimeout bounds one delivery including its retries.
	// Default 2 minutes.
	DeliveryTimeout time.Duration

	Retry RetryConfig
}

// ReplicatorStats are cumulative delivery counters.
type ReplicatorStats struct {
	Enqueued  int64
	Delivered int64
	Retried   int64
	Abandoned int64
	Dropped   int64
}

// ReplicatorPlugin fans completed writes out to external destinations. It
// subscribes to the after-operation topics and hands each event to every
// destination through a bounded worker pool, so slow destinations apply
// backpressure to each other but never to the write path. Failed deliveries
// retry with capped exponential backoff and are abandoned, with a log line,
// once the attempt budget runs out.
type ReplicatorPlugin struct {
	cfg   ReplicatorConfig
	dests []Destination

	host *db.PluginHost
	subs []*events.Subscription

	// mu guards pool. Close on a subscription does not wait for an
	// in-flight handler batch, so enqueue can race Stop.
	mu   sync.Mutex
	pool *async.WorkerPool

	enqueued  atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	abandoned atomic.Int64
	dropped   atomic.Int64
}

// NewReplicatorPlugin replicates to dests with id "replicator".
func NewReplicatorPlugin(cfg ReplicatorConfig, dests ...Destination) *ReplicatorPlugin {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	return &ReplicatorPlugin{cfg: cfg, dests: dests}
}

func (p *ReplicatorPlugin) ID() string { return "replicator" }

func (p *ReplicatorPlugin) Setup(ctx context.Context, host *db.PluginHost) error {
	if len(p.dests) == 0 {
		return fmt.Errorf("replicator needs at least one destination")
	}
	seen := make(map[string]struct{}, len(p.dests))
	for _, dest := range p.dests {
		name := dest.Name()
		if name == "" {
			return fmt.Errorf("replicator destination with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("replicator destination %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	p.host = host
	return nil
}

func (p *ReplicatorPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.pool = async.NewWorkerPool(context.Background(), p.cfg.Workers, "replicator delivery", p.cfg.DeliveryTimeout)
	p.mu.Unlock()
	if len(p.cfg.Resources) == 0 {
		p.subs = append(p.subs, p.host.On("resource:*", p.enqueue))
		return nil
	}
	for _, name := range p.cfg.Resources {
		p.subs = append(p.subs, p.host.On(events.OperationTopic(name, "*"), p.enqueue))
	}
	return nil
}

func (p *ReplicatorPlugin) Stop(ctx context.Context) error {
	for _, sub := range p.subs {
		sub.Close()
	}
	p.subs = nil
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Shutdown(5 * time.Second)
}

func (p *ReplicatorPlugin) workerPool() *async.WorkerPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool
}

// enqueue schedules one observed operation for every destination. When the
// pool is already shut down the delivery is counted as dropped; events
// raced against Stop are not worth blocking for.
func (p *ReplicatorPlugin) enqueue(ev events.Event) {
	op, ok := ev.Payload.(events.OperationEvent)
	if !ok {
		return
	}
	d := Delivery{
		Resource: op.Resource,
		Op:       op.Op,
		Record:   op.Record,
		Before:   op.Before,
	}
	pool := p.workerPool()
	for _, dest := range p.dests {
		dest := dest
		p.enqueued.Add(1)
		if pool == nil {
			p.dropped.Add(1)
			continue
		}
		err := pool.Submit(func(ctx context.Context) error {
			return p.deliver(ctx, dest, d)
		})
		if err != nil {
			p.dropped.Add(1)
		}
	}
}

// deliver pushes one delivery to one destination, retrying with backoff
// until it lands, the attempt budget runs out, or the task deadline hits.
func (p *ReplicatorPlugin) deliver(ctx context.Context, dest Destination, d Delivery) error {
	var last error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		d.Attempt = attempt
		if last = dest.Deliver(ctx, d); last == nil {
			p.delivered.Add(1)
			return nil
		}
		if attempt == p.cfg.Retry.MaxAttempts {
			break
		}
		p.retried.Add(1)
		select {
		case <-ctx.Done():
			p.abandoned.Add(1)
			return ctx.Err()
		case <-time.After(p.cfg.Retry.delay(attempt)):
		}
	}
	p.abandoned.Add(1)
	p.host.Logger().WithError(last).WithFields(logrus.Fields{
		"destination": dest.Name(),
		"resource":    d.Resource,
		"op":          d.Op,
		"record":      d.Record.ID,
		"attempts":    p.cfg.Retry.MaxAttempts,
	}).Warn("delivery abandoned")
	return nil
}

// Stats returns a snapshot of the delivery counters.
func (p *ReplicatorPlugin) Stats() ReplicatorStats {
	return ReplicatorStats{
		Enqueued:  p.enqueued.Load(),
		Delivered: p.delivered.Load(),
		Retried:   p.retried.Load(),
		Abandoned: p.abandoned.Load(),
		Dropped:   p.dropped.Load(),
	}
}
