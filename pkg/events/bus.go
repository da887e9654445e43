package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/observability"
)

// Handler receives events matched by its subscription pattern. Handlers run
// on the subscription's own goroutine; a panic is recovered, logged and
// counted without touching other subscribers.
type Handler func(Event)

// Options configures a Bus.
type Options struct {
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Bus is the in-process publish/subscribe fabric. Emit never blocks: each
// subscription owns an unbounded FIFO queue and a delivery goroutine, so a
// slow handler delays only itself. There is no persistence and no replay.
type Bus struct {
	logger  *logrus.Entry
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New builds an empty bus.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		logger:  logger.WithField("component", "eventbus"),
		metrics: opts.Metrics,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a handler for every event whose name matches the
// pattern. The returned handle detaches it again. Subscribing to a closed
// bus yields a handle that never delivers.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	s := &Subscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		logger:  b.logger.WithField("pattern", pattern),
		metrics: b.metrics,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		s.state = subStopped
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	go s.run()
	return s
}

// Emit schedules payload for delivery to every current subscriber whose
// pattern matches name, then returns. Delivery happens on the subscribers'
// goroutines; within a single name it follows emit order. Emitting with no
// subscribers, or after Close, is a no-op.
func (b *Bus) Emit(name string, payload any) {
	if b.metrics != nil {
		b.metrics.EventsEmittedTotal.WithLabelValues(name).Inc()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var matched []*Subscription
	for s := range b.subs {
		if Matches(s.pattern, name) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}
	for _, s := range matched {
		s.enqueue(ev)
	}
}

// Close drops every subscription after draining its queue and blocks until
// all in-flight handlers return. Emits issued after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.finish(subDraining)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subState int

const (
	subActive subState = iota
	subDraining
	subStopped
)

// Subscription is one pattern registration on the bus.
type Subscription struct {
	bus     *Bus
	pattern string
	handler Handler
	logger  *logrus.Entry
	metrics *observability.Metrics

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Event
	state subState

	done chan struct{}
}

// Close detaches the subscription. Queued but undelivered events are
// dropped. Close returns without waiting for the delivery goroutine, so a
// handler may close its own subscription.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.finish(subStopped)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.state != subActive {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) finish(next subState) {
	s.mu.Lock()
	if s.state == subActive || (s.state == subDraining && next == subStopped) {
		s.state = next
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.state == subActive {
			s.cond.Wait()
		}
		if s.state == subStopped {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev Event) {
	defer observability.RecoverPanicWithCallback(s.logger.WithField("event", ev.Name), "event handler", func() {
		if s.metrics != nil {
			s.metrics.EventHandlerPanicsTotal.Inc()
		}
	})
	s.handler(ev)
}
