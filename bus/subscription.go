package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one subscriber's attachment to a topic. Handler
// subscriptions are drained by the bus; channel subscriptions are consumed
// through C by the caller.
type Subscription struct {
	id      string
	topic   string
	handler Handler
	timeout time.Duration

	queue chan Envelope
	done  chan struct{}

	closeOnce     sync.Once
	pumpScheduled atomic.Bool

	bus    *Bus
	logger *slog.Logger
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the subscribed topic (possibly TopicWildcard).
func (s *Subscription) Topic() string {
	return s.topic
}

// C returns the delivery channel for channel subscriptions. Consumers must
// select on Done as well; the channel itself is never closed because
// publishers may still hold a fan-out snapshot referencing it.
func (s *Subscription) C() <-chan Envelope {
	return s.queue
}

// Done is closed when the subscription is removed or the bus stops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
