package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/registry"
)

// Capability is one provider's implementation of a named capability.
type Capability interface {
	Execute(ctx context.Context, input any) (any, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, input any) (any, error)

func (f CapabilityFunc) Execute(ctx context.Context, input any) (any, error) {
	return f(ctx, input)
}

// ChainEntry is one provider in a capability's fallback chain. Higher
// Level is preferred.
type ChainEntry struct {
	Capability string
	Provider   string // component_id serving the call
	Level      int
	Handler    Capability
}

// DegradedEvent is published on bus.TopicCapabilityDegraded when a
// provider's breaker opens.
type DegradedEvent struct {
	Capability string    `json:"capability"`
	Provider   string    `json:"provider"`
	At         time.Time `json:"at"`
}

// FallbackEvent is published on bus.TopicFallbackUsed when a call is served
// by a provider below the top of the chain.
type FallbackEvent struct {
	Capability string    `json:"capability"`
	Provider   string    `json:"provider"`
	Level      int       `json:"level"`
	Skipped    []string  `json:"skipped"`
	At         time.Time `json:"at"`
}

// Publisher is the slice of the bus the engine needs.
type Publisher interface {
	Publish(topic string, payload any, headers map[string]string) (uint64, error)
}

// Engine routes capability calls through per-provider circuit breakers and
// an ordered fallback chain. Registry state gates which providers are even
// attempted.
type Engine struct {
	cfg       config.BreakerConfig
	reg       *registry.Registry
	publisher Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	chains   map[string][]ChainEntry // capability -> entries, level desc
	breakers map[string]*Breaker     // "provider:capability" -> breaker

	now func() time.Time
}

// NewEngine creates a fallback engine. metrics may be nil.
func NewEngine(cfg config.BreakerConfig, reg *registry.Registry, publisher Publisher, metrics *metric.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		reg:       reg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("subsystem", "breaker"),
		chains:    make(map[string][]ChainEntry),
		breakers:  make(map[string]*Breaker),
		now:       time.Now,
	}
}

// RegisterProvider adds a provider to a capability's fallback chain,
// replacing any previous entry for the same provider.
func (e *Engine) RegisterProvider(entry ChainEntry) error {
	if entry.Capability == "" || entry.Provider == "" || entry.Handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "RegisterProvider", "entry validation")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chain := e.chains[entry.Capability]
	filtered := chain[:0]
	for _, existing := range chain {
		if existing.Provider != entry.Provider {
			filtered = append(filtered, existing)
		}
	}
	filtered = append(filtered, entry)
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Level > filtered[j].Level })
	e.chains[entry.Capability] = filtered
	return nil
}

// UnregisterProvider removes a provider from a capability's chain.
func (e *Engine) UnregisterProvider(capability, provider string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	chain := e.chains[capability]
	filtered := chain[:0]
	for _, existing := range chain {
		if existing.Provider != provider {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == 0 {
		delete(e.chains, capability)
	} else {
		e.chains[capability] = filtered
	}
}

// Chain returns the fallback chain for a capability, level descending.
func (e *Engine) Chain(capability string) []ChainEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ChainEntry(nil), e.chains[capability]...)
}

// Execute calls a capability, preferring the highest-level healthy provider
// whose breaker admits the call and falling back down the chain on failure.
// A timed-out call counts as a failure for the provider's breaker.
func (e *Engine) Execute(ctx context.Context, capability string, input any) (any, error) {
	chain := e.Chain(capability)
	if len(chain) == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoProvider, "Engine", "Execute", "chain lookup")
	}

	var skipped []string
	var lastErr error

	for _, entry := range chain {
		if !e.providerHealthy(entry.Provider) {
			skipped = append(skipped, entry.Provider)
			continue
		}

		br := e.breakerFor(entry)
		if !br.Allow() {
			skipped = append(skipped, entry.Provider)
			lastErr = errors.Wrap(errors.ErrCircuitOpen, "Engine", "Execute", "breaker check")
			continue
		}

		output, err := e.invoke(ctx, entry, input)
		br.Record(err == nil)
		if err != nil {
			skipped = append(skipped, entry.Provider)
			lastErr = err
			e.logger.Warn("capability call failed",
				"capability", capability, "provider", entry.Provider, "error", err)
			continue
		}

		if len(skipped) > 0 {
			e.announceFallback(entry, skipped)
		}
		return output, nil
	}

	if e.metrics != nil {
		e.metrics.CapabilityCalls.WithLabelValues(capability, "exhausted").Inc()
	}
	exhausted := error(errors.ErrNoFallbackAvailable)
	if lastErr != nil {
		e.logger.Warn("fallback chain exhausted", "capability", capability, "last_error", lastErr)
		// Keep the final provider error in the chain so callers can tell an
		// open breaker apart from a failing call.
		exhausted = fmt.Errorf("%w: %w", errors.ErrNoFallbackAvailable, lastErr)
	}
	return nil, errors.Wrap(exhausted, "Engine", "Execute", "fallback chain")
}

// invoke runs one provider call under the configured timeout.
func (e *Engine) invoke(ctx context.Context, entry ChainEntry, input any) (any, error) {
	callCtx := ctx
	if timeout := e.cfg.CallTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := e.now()
	output, err := entry.Handler.Execute(callCtx, input)
	elapsed := e.now().Sub(start)

	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.CapabilityCalls.WithLabelValues(entry.Capability, status).Inc()
		e.metrics.CallDuration.WithLabelValues(entry.Capability).Observe(elapsed.Seconds())
	}
	return output, err
}

// providerHealthy consults the registry: providers in READY, ACTIVE or
// DEGRADED may serve calls; anything else is skipped without burning a
// breaker failure. Providers unknown to the registry are assumed callable
// so statically configured chains keep working.
func (e *Engine) providerHealthy(provider string) bool {
	reg, ok := e.reg.Get(provider)
	if !ok {
		return true
	}
	return reg.State.Healthy()
}

// breakerFor returns the breaker for a chain entry, creating it on first
// use.
func (e *Engine) breakerFor(entry ChainEntry) *Breaker {
	name := entry.Provider + ":" + entry.Capability

	e.mu.RLock()
	br, ok := e.breakers[name]
	e.mu.RUnlock()
	if ok {
		return br
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if br, ok = e.breakers[name]; ok {
		return br
	}
	br = NewBreaker(name, e.cfg.FailureThreshold, e.cfg.RecoveryTimeout.Std(), e.onBreakerTransition(entry))
	e.breakers[name] = br
	return br
}

// onBreakerTransition records metrics and announces opens on the bus.
func (e *Engine) onBreakerTransition(entry ChainEntry) func(name string, from, to State) {
	return func(name string, from, to State) {
		if e.metrics != nil {
			e.metrics.BreakerState.WithLabelValues(name).Set(to.gaugeValue())
			e.metrics.BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
		}
		e.logger.Info("breaker transition", "breaker", name, "from", from, "to", to)

		if to == StateOpen {
			_, err := e.publisher.Publish(bus.TopicCapabilityDegraded, DegradedEvent{
				Capability: entry.Capability,
				Provider:   entry.Provider,
				At:         e.now(),
			}, map[string]string{"capability": entry.Capability})
			if err != nil {
				e.logger.Warn("degraded event publish failed", "breaker", name, "error", err)
			}
		}
	}
}

// announceFallback publishes the fallback usage and counts it.
func (e *Engine) announceFallback(entry ChainEntry, skipped []string) {
	if e.metrics != nil {
		e.metrics.FallbackInvocations.WithLabelValues(entry.Capability, entry.Provider).Inc()
	}
	_, err := e.publisher.Publish(bus.TopicFallbackUsed, FallbackEvent{
		Capability: entry.Capability,
		Provider:   entry.Provider,
		Level:      entry.Level,
		Skipped:    append([]string(nil), skipped...),
		At:         e.now(),
	}, map[string]string{"capability": entry.Capability})
	if err != nil {
		e.logger.Warn("fallback event publish failed", "capability", entry.Capability, "error", err)
	}
}
