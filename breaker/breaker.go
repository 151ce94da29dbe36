// Package breaker wraps capability calls in circuit breakers and walks
// ordered fallback chains when a provider is down.
package breaker

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Breaker is a circuit breaker for one (capability, provider) pair.
// After threshold consecutive failures it opens and fails fast; once the
// recovery timeout elapses a single probe call is let through, and its
// outcome decides between CLOSED and another OPEN interval.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probing      bool
	onTransition func(name string, from, to State)

	now func() time.Time
}

// NewBreaker creates a closed breaker. onTransition may be nil; it is
// called outside the breaker lock.
func NewBreaker(name string, threshold int, recovery time.Duration, onTransition func(name string, from, to State)) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		recovery:     recovery,
		state:        StateClosed,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// State returns the current state, accounting for recovery-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In HALF_OPEN only one probe is
// admitted at a time; concurrent callers fail fast until it settles.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			b.mu.Unlock()
			return false
		}
		from := b.state
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()
	return false
}

// Record reports a call outcome to the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()

	var from, to State
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			b.mu.Unlock()
			return
		}
		b.failures++
		if b.failures < b.threshold {
			b.mu.Unlock()
			return
		}
		from, to = StateClosed, StateOpen
		b.state = StateOpen
		b.openedAt = b.now()
	case StateHalfOpen:
		b.probing = false
		if success {
			from, to = StateHalfOpen, StateClosed
			b.state = StateClosed
			b.failures = 0
		} else {
			from, to = StateHalfOpen, StateOpen
			b.state = StateOpen
			b.openedAt = b.now()
		}
	default:
		b.mu.Unlock()
		return
	}

	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
