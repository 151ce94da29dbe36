// Package bus implements the hub's topic-addressed publish/subscribe layer
// with bounded per-topic history for replay to late or restarting
// subscribers.
//
// Ordering: within one topic, delivery order equals publish order. Sequence
// numbers are assigned and fan-out enqueued under the topic lock. There is no
// cross-topic ordering guarantee.
//
// Delivery: each subscription owns a bounded queue. Handler subscriptions are
// drained through a shared worker pool, one in-flight pump per subscription,
// so one slow or erroring subscriber never stalls publishers or other
// subscribers. Channel subscriptions get a non-blocking send; a full buffer
// drops the delivery and the subscriber catches up via History.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/pkg/ring"
	"github.com/c360/hubkit/pkg/worker"
)

// Handler processes a delivered envelope. Invocations for one subscription
// are serialized in publish order; the context carries the delivery timeout.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the in-process message queue.
type Bus struct {
	cfg     config.BusConfig
	metrics *metric.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	pool *worker.Pool[*Subscription]

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	expiryDone  chan struct{}

	now func() time.Time
}

type topic struct {
	mu      sync.Mutex
	name    string
	seq     uint64
	history *ring.Buffer[Envelope]
	subs    map[string]*Subscription
}

// New creates a bus. metrics may be nil; logger falls back to slog.Default().
func New(cfg config.BusConfig, metrics *metric.Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("subsystem", "bus"),
		topics:  make(map[string]*topic),
		now:     time.Now,
	}
	b.pool = worker.NewPool(cfg.DeliveryWorkers, cfg.DeliveryQueue, b.pump,
		worker.WithCompletionObserver[*Subscription](func(_ error, elapsed time.Duration) {
			if b.metrics != nil {
				b.metrics.PumpDuration.Observe(elapsed.Seconds())
			}
		}))
	return b
}

// Initialize prepares the bus. Present for Subsystem symmetry.
func (b *Bus) Initialize() error {
	return nil
}

// Start launches the delivery pool and the history expiry sweep.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bus", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Bus", "Start", "delivery pool start")
	}

	b.expiryDone = make(chan struct{})
	go b.expiryLoop(runCtx)

	b.started = true
	return nil
}

// Stop drains in-flight deliveries up to timeout, then force-closes.
func (b *Bus) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started || b.stopped {
		return nil
	}
	b.stopped = true

	poolErr := b.pool.Stop(timeout)
	if b.cancel != nil {
		b.cancel()
	}
	<-b.expiryDone

	b.mu.Lock()
	for _, t := range b.topics {
		t.mu.Lock()
		for _, sub := range t.subs {
			sub.close()
		}
		t.subs = make(map[string]*Subscription)
		t.mu.Unlock()
	}
	b.mu.Unlock()

	if poolErr != nil {
		return errors.WrapTransient(poolErr, "Bus", "Stop", "delivery pool drain")
	}
	return nil
}

// Publish appends to the topic's bounded history and fans out to all
// subscribers of the topic and of the wildcard subscription. Returns the
// assigned per-topic sequence number.
func (b *Bus) Publish(topicName string, payload any, headers map[string]string) (uint64, error) {
	if topicName == "" || topicName == TopicWildcard {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "Publish", "topic name validation")
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Bus", "Publish", "payload marshal")
	}

	t := b.getTopic(topicName)
	wildcard := b.getTopic(TopicWildcard)

	env := newEnvelope(topicName, raw, headers, b.now())

	// Sequence assignment, history append, and fan-out enqueue all happen
	// under the topic lock so per-topic delivery order equals publish order.
	// Queue sends and pool submits never block, so holding the lock through
	// delivery is safe. The wildcard lock nests inside the topic lock; the
	// reverse order never occurs because publishing to the wildcard topic is
	// rejected above.
	t.mu.Lock()
	t.seq++
	env.Sequence = t.seq
	t.history.Append(env, env.Timestamp)
	for _, sub := range t.subs {
		b.deliver(sub, env)
	}
	wildcard.mu.Lock()
	for _, sub := range wildcard.subs {
		b.deliver(sub, env)
	}
	wildcard.mu.Unlock()
	historyLen := t.history.Len()
	t.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessagesPublished.WithLabelValues(topicName).Inc()
		b.metrics.HistoryDepth.WithLabelValues(topicName).Set(float64(historyLen))
	}

	return env.Sequence, nil
}

// Subscribe registers a handler for a topic (or TopicWildcard). The handler
// runs on the delivery pool with the configured per-delivery timeout.
func (b *Bus) Subscribe(topicName string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "Subscribe", "handler validation")
	}
	return b.subscribe(topicName, handler)
}

// SubscribeChan registers a channel subscription. The caller consumes
// Subscription.C; a full buffer drops deliveries rather than blocking
// publishers.
func (b *Bus) SubscribeChan(topicName string) (*Subscription, error) {
	return b.subscribe(topicName, nil)
}

func (b *Bus) subscribe(topicName string, handler Handler) (*Subscription, error) {
	if topicName == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "Subscribe", "topic name validation")
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topicName,
		handler: handler,
		timeout: b.cfg.DeliveryTimeout.Std(),
		queue:   make(chan Envelope, b.cfg.SubscriberBuffer),
		done:    make(chan struct{}),
		bus:     b,
		logger:  b.logger,
	}

	t := b.getTopic(topicName)
	t.mu.Lock()
	t.subs[sub.id] = sub
	count := len(t.subs)
	t.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.WithLabelValues(topicName).Set(float64(count))
	}
	return sub, nil
}

// Unsubscribe removes a subscription and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	t := b.getTopic(sub.topic)
	t.mu.Lock()
	delete(t.subs, sub.id)
	count := len(t.subs)
	t.mu.Unlock()

	sub.close()

	if b.metrics != nil {
		b.metrics.Subscribers.WithLabelValues(sub.topic).Set(float64(count))
	}
}

// History returns retained envelopes with sequence number > sinceSeq, in
// order, limited to limit entries when limit > 0. A subscriber reconnecting
// after a gap replays from its last known sequence to catch up.
func (b *Bus) History(topicName string, sinceSeq uint64, limit int) []Envelope {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	return t.history.Filter(func(env Envelope) bool {
		return env.Sequence > sinceSeq
	}, limit)
}

// CurrentSequence returns the last assigned sequence for a topic.
func (b *Bus) CurrentSequence(topicName string) uint64 {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

func (b *Bus) getTopic(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{
		name:    name,
		history: ring.New[Envelope](b.cfg.HistorySize),
		subs:    make(map[string]*Subscription),
	}
	b.topics[name] = t
	return t
}

// deliver enqueues env for one subscription without blocking the publisher.
func (b *Bus) deliver(sub *Subscription, env Envelope) {
	select {
	case <-sub.done:
		return
	default:
	}

	select {
	case sub.queue <- env:
	default:
		// Subscriber queue full. Drop; the subscriber recovers via History.
		if b.metrics != nil {
			b.metrics.DeliveriesDropped.WithLabelValues(env.Topic, "buffer_full").Inc()
		}
		b.logger.Warn("delivery dropped, subscriber queue full",
			"topic", env.Topic, "subscription", sub.id, "sequence", env.Sequence)
		return
	}

	if sub.handler != nil {
		// One pump task per subscription at a time keeps handler invocations
		// in publish order while sharing the pool across subscriptions.
		if sub.pumpScheduled.CompareAndSwap(false, true) {
			if err := b.pool.Submit(sub); err != nil {
				sub.pumpScheduled.Store(false)
				if b.metrics != nil {
					b.metrics.DeliveriesDropped.WithLabelValues(env.Topic, "pool_full").Inc()
				}
				b.logger.Warn("delivery pump not scheduled", "topic", env.Topic, "error", err)
			}
		}
	}
}

// pump drains one subscription's queue, invoking the handler per envelope
// with the delivery timeout.
func (b *Bus) pump(ctx context.Context, sub *Subscription) error {
	defer func() {
		sub.pumpScheduled.Store(false)
		// Re-arm if envelopes arrived after the final drain check.
		if len(sub.queue) > 0 && sub.pumpScheduled.CompareAndSwap(false, true) {
			if err := b.pool.Submit(sub); err != nil {
				sub.pumpScheduled.Store(false)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return nil
		case env, ok := <-sub.queue:
			if !ok {
				return nil
			}
			b.invoke(ctx, sub, env)
		default:
			return nil
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, env Envelope) {
	callCtx, cancel := context.WithTimeout(ctx, sub.timeout)
	defer cancel()

	err := sub.handler(callCtx, env)
	switch {
	case err == nil:
		if b.metrics != nil {
			b.metrics.MessagesDelivered.WithLabelValues(env.Topic).Inc()
		}
	case callCtx.Err() != nil:
		if b.metrics != nil {
			b.metrics.DeliveriesDropped.WithLabelValues(env.Topic, "timeout").Inc()
		}
		b.logger.Warn("subscriber delivery timeout",
			"topic", env.Topic, "subscription", sub.id, "sequence", env.Sequence)
	default:
		if b.metrics != nil {
			b.metrics.DeliveriesDropped.WithLabelValues(env.Topic, "handler_error").Inc()
		}
		b.logger.Warn("subscriber handler error",
			"topic", env.Topic, "subscription", sub.id, "sequence", env.Sequence, "error", err)
	}
}

// expiryLoop evicts history entries older than HistoryMaxAge.
func (b *Bus) expiryLoop(ctx context.Context) {
	defer close(b.expiryDone)

	maxAge := b.cfg.HistoryMaxAge.Std()
	if maxAge <= 0 {
		return
	}

	interval := maxAge / 10
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := b.now().Add(-maxAge)
			b.mu.RLock()
			topics := make([]*topic, 0, len(b.topics))
			for _, t := range b.topics {
				topics = append(topics, t)
			}
			b.mu.RUnlock()

			for _, t := range topics {
				if expired := t.history.ExpireBefore(cutoff); expired > 0 && b.metrics != nil {
					b.metrics.HistoryDepth.WithLabelValues(t.name).Set(float64(t.history.Len()))
				}
			}
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
