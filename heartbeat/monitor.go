// Package heartbeat implements liveness detection for registered components:
// per-instance heartbeat tracking with sequence validation, a periodic
// miss-detection sweep with two escalation thresholds, and restart
// scheduling with jittered backoff.
package heartbeat

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/pkg/retry"
	"github.com/c360/hubkit/registry"
)

// Publisher is the slice of the bus the monitor needs.
type Publisher interface {
	Publish(topic string, payload any, headers map[string]string) (uint64, error)
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
	Unsubscribe(sub *bus.Subscription)
}

// Record tracks liveness for one component instance.
type Record struct {
	ComponentID       string             `json:"component_id"`
	InstanceID        string             `json:"instance_id"`
	LastSeen          time.Time          `json:"last_seen"`
	Sequence          uint64             `json:"sequence_number"`
	ReportedMetrics   map[string]float64 `json:"reported_metrics,omitempty"`
	ConsecutiveMisses int                `json:"consecutive_misses"`

	interval time.Duration
	// jitter spreads sweep deadlines and restart times for components
	// started together, derived deterministically from the component id.
	jitter time.Duration

	restartCount  int
	nextRestartAt time.Time

	// seen distinguishes "no beat yet" from a first beat carrying
	// sequence zero.
	seen bool
}

// RestartRequest is published on bus.TopicRestartRequested for the
// supervising launcher to act on.
type RestartRequest struct {
	ComponentID string    `json:"component_id"`
	InstanceID  string    `json:"instance_id"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

// Monitor consumes registry entries and drives timeout-based transitions.
type Monitor struct {
	cfg       config.HeartbeatConfig
	reg       *registry.Registry
	publisher Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*Record // by component_id

	restartBackoff retry.Config

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	sweepDone   chan struct{}
	stateSub    *bus.Subscription

	now func() time.Time
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg config.HeartbeatConfig, reg *registry.Registry, publisher Publisher, metrics *metric.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	backoff := retry.Restart()
	if cfg.RestartInitial.Std() > 0 {
		backoff.InitialDelay = cfg.RestartInitial.Std()
	}
	if cfg.RestartMax.Std() > 0 {
		backoff.MaxDelay = cfg.RestartMax.Std()
	}
	backoff.AddJitter = false // jitter is applied per component, deterministically

	return &Monitor{
		cfg:            cfg,
		reg:            reg,
		publisher:      publisher,
		metrics:        metrics,
		logger:         logger.With("subsystem", "heartbeat"),
		records:        make(map[string]*Record),
		restartBackoff: backoff,
		now:            time.Now,
	}
}

// Initialize subscribes to registry state changes so records appear and
// disappear with registrations instead of being polled.
func (m *Monitor) Initialize() error {
	sub, err := m.publisher.Subscribe(bus.TopicStateChanged, m.onStateChanged)
	if err != nil {
		return errors.Wrap(err, "Monitor", "Initialize", "state subscription")
	}
	m.stateSub = sub
	return nil
}

// Start launches the periodic miss-detection sweep.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Monitor", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.sweepDone = make(chan struct{})
	go m.sweepLoop(runCtx)

	m.started = true
	return nil
}

// Stop halts the sweep and drops the state subscription.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false

	m.cancel()
	select {
	case <-m.sweepDone:
	case <-time.After(timeout):
	}

	if m.stateSub != nil {
		m.publisher.Unsubscribe(m.stateSub)
		m.stateSub = nil
	}
	return nil
}

// Beat records a heartbeat from an instance. Heartbeats with a sequence
// number at or below the last seen one are logged and ignored: gaps imply
// dropped heartbeats, regressions imply late delivery or duplicates.
func (m *Monitor) Beat(componentID, instanceID string, sequence uint64, reported map[string]float64) error {
	reg, ok := m.reg.Get(componentID)
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownComponent, "Monitor", "Beat", "component lookup")
	}
	if reg.InstanceID != instanceID {
		return errors.WrapInvalid(errors.ErrStaleInstance, "Monitor", "Beat", "instance check")
	}

	now := m.now()

	m.mu.Lock()
	rec := m.ensureRecordLocked(&reg)
	if rec.seen && sequence <= rec.Sequence {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.HeartbeatsOutOfSeq.WithLabelValues(componentID).Inc()
		}
		m.logger.Debug("out-of-order heartbeat ignored",
			"component", componentID, "sequence", sequence, "last_sequence", rec.Sequence)
		return nil
	}

	rec.Sequence = sequence
	rec.seen = true
	rec.LastSeen = now
	rec.ConsecutiveMisses = 0
	rec.ReportedMetrics = reported
	state := reg.State
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.HeartbeatsReceived.WithLabelValues(componentID).Inc()
	}

	// A live heartbeat moves an initializing or degraded component toward
	// READY.
	if state == registry.StateInitializing || state == registry.StateDegraded {
		if err := m.reg.UpdateState(componentID, instanceID, registry.StateReady,
			"heartbeat", "heartbeat received"); err != nil {
			m.logger.Debug("ready transition not applied", "component", componentID, "error", err)
		} else if state == registry.StateDegraded {
			// Recovery resets the restart backoff.
			m.mu.Lock()
			rec.restartCount = 0
			m.mu.Unlock()
		}
	}

	return nil
}

// Snapshot returns a copy of the record for componentID.
func (m *Monitor) Snapshot(componentID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[componentID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	if rec.ReportedMetrics != nil {
		out.ReportedMetrics = make(map[string]float64, len(rec.ReportedMetrics))
		for k, v := range rec.ReportedMetrics {
			out.ReportedMetrics[k] = v
		}
	}
	return out, true
}

// onStateChanged reacts to registry events: new registrations get records,
// terminal registrations lose them, failures get restarts scheduled.
func (m *Monitor) onStateChanged(_ context.Context, env bus.Envelope) error {
	var ev registry.StateChangedEvent
	if err := env.Decode(&ev); err != nil {
		return errors.WrapInvalid(err, "Monitor", "onStateChanged", "event decode")
	}

	switch ev.To {
	case registry.StateInitializing:
		if reg, ok := m.reg.Get(ev.ComponentID); ok {
			m.mu.Lock()
			m.ensureRecordLocked(&reg)
			m.mu.Unlock()
		}
	case registry.StateFailed:
		m.scheduleRestart(ev.ComponentID, ev.InstanceID)
	case registry.StateStopping, registry.StateInactive:
		m.mu.Lock()
		if rec, ok := m.records[ev.ComponentID]; ok && rec.InstanceID == ev.InstanceID {
			delete(m.records, ev.ComponentID)
		}
		m.mu.Unlock()
	}
	return nil
}

// ensureRecordLocked creates the record for a registration if missing.
// Callers hold m.mu.
func (m *Monitor) ensureRecordLocked(reg *registry.Registration) *Record {
	rec, ok := m.records[reg.ComponentID]
	if ok && rec.InstanceID == reg.InstanceID {
		return rec
	}

	interval := m.cfg.HeartbeatIntervalFor(reg.ComponentType())
	rec = &Record{
		ComponentID: reg.ComponentID,
		InstanceID:  reg.InstanceID,
		LastSeen:    m.now(),
		interval:    interval,
		jitter:      jitterFor(reg.ComponentID, interval),
	}
	m.records[reg.ComponentID] = rec
	return rec
}

// sweepLoop runs miss detection and restart dispatch on a fixed interval,
// independent of any single caller.
func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep walks all records once: counts misses, applies the two-threshold
// DEGRADED/FAILED escalation, and fires due restarts. The two-threshold
// design absorbs single dropped heartbeats without flapping.
func (m *Monitor) sweep() {
	now := m.now()

	type action struct {
		componentID string
		instanceID  string
		to          registry.State
		misses      int
	}
	var actions []action
	var restarts []RestartRequest

	m.mu.Lock()
	for _, rec := range m.records {
		reg, ok := m.reg.Get(rec.ComponentID)
		if !ok || reg.InstanceID != rec.InstanceID {
			delete(m.records, rec.ComponentID)
			continue
		}

		if reg.State == registry.StateFailed {
			if !rec.nextRestartAt.IsZero() && !now.Before(rec.nextRestartAt) {
				rec.nextRestartAt = time.Time{}
				restarts = append(restarts, RestartRequest{
					ComponentID: rec.ComponentID,
					InstanceID:  rec.InstanceID,
					Attempt:     rec.restartCount,
					RequestedAt: now,
				})
			}
			continue
		}

		// The per-component jitter widens the deadline so a cohort started
		// together does not cross thresholds in the same tick.
		elapsed := now.Sub(rec.LastSeen) - rec.jitter
		if elapsed < 0 {
			elapsed = 0
		}
		misses := int(elapsed / rec.interval)
		if misses == rec.ConsecutiveMisses {
			continue
		}
		if misses > rec.ConsecutiveMisses && m.metrics != nil {
			m.metrics.HeartbeatsMissed.WithLabelValues(rec.ComponentID).Inc()
		}
		rec.ConsecutiveMisses = misses

		switch {
		case misses >= m.cfg.FailedMisses && reg.State == registry.StateDegraded:
			actions = append(actions, action{rec.ComponentID, rec.InstanceID, registry.StateFailed, misses})
		case misses >= m.cfg.DegradedMisses &&
			(reg.State == registry.StateReady || reg.State == registry.StateActive):
			actions = append(actions, action{rec.ComponentID, rec.InstanceID, registry.StateDegraded, misses})
		}
	}
	m.mu.Unlock()

	for _, a := range actions {
		err := m.reg.UpdateState(a.componentID, a.instanceID, a.to,
			"heartbeat_timeout", describeMisses(a.misses))
		if err != nil {
			m.logger.Debug("timeout transition not applied",
				"component", a.componentID, "to", a.to, "error", err)
			continue
		}
		m.logger.Warn("heartbeat misses escalated",
			"component", a.componentID, "to", a.to, "misses", a.misses)
	}

	for _, req := range restarts {
		m.dispatchRestart(req)
	}
}

// scheduleRestart arms a restart attempt after base_delay + jitter, backing
// off with consecutive failures.
func (m *Monitor) scheduleRestart(componentID, instanceID string) {
	now := m.now()

	m.mu.Lock()
	rec, ok := m.records[componentID]
	if !ok || rec.InstanceID != instanceID {
		m.mu.Unlock()
		return
	}
	delay := m.restartBackoff.Delay(rec.restartCount) + rec.jitter
	rec.restartCount++
	rec.nextRestartAt = now.Add(delay)
	attempt := rec.restartCount
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RestartsScheduled.WithLabelValues(componentID).Inc()
	}
	m.logger.Info("restart scheduled",
		"component", componentID, "attempt", attempt, "delay", delay)
}

// dispatchRestart publishes the restart request and moves the registration
// to RESTARTING so a re-register lands as a clean supersede. A lost restart
// request strands the component in FAILED, so transient publish failures get
// a few fast retries.
func (m *Monitor) dispatchRestart(req RestartRequest) {
	err := retry.Do(context.Background(), retry.Heartbeat(), func() error {
		_, pubErr := m.publisher.Publish(bus.TopicRestartRequested, req,
			map[string]string{"component_id": req.ComponentID})
		return pubErr
	})
	if err != nil {
		m.logger.Warn("restart request publish failed",
			"component", req.ComponentID, "error", err)
		return
	}

	if err := m.reg.UpdateState(req.ComponentID, req.InstanceID,
		registry.StateRestarting, "restart_requested", ""); err != nil {
		m.logger.Debug("restarting transition not applied",
			"component", req.ComponentID, "error", err)
	}
}

func describeMisses(misses int) string {
	if misses == 1 {
		return "1 consecutive heartbeat miss"
	}
	return strconv.Itoa(misses) + " consecutive heartbeat misses"
}

// jitterFor derives a deterministic offset in [0, interval/4) from the
// component id hash. The same offset spaces both heartbeat deadlines and
// restart times, avoiding thundering herds.
func jitterFor(componentID string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(componentID))
	span := int64(interval / 4)
	if span <= 0 {
		return 0
	}
	return time.Duration(int64(h.Sum32()) % span)
}
