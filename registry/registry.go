// Package registry is the authoritative map of component identity to current
// state, instance metadata, and capability list. All mutation happens under
// one critical section, and every accepted state change is published on the
// bus inside that same critical section so observers see changes for a
// component in the order they were applied.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/metric"
)

// Publisher is the slice of the bus the registry needs.
type Publisher interface {
	Publish(topic string, payload any, headers map[string]string) (uint64, error)
}

// Registry owns the component registration table.
type Registry struct {
	cfg       config.RegistryConfig
	publisher Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu      sync.RWMutex
	active  map[string]*Registration // by component_id, at most one non-terminal
	retired map[string]*Registration // superseded/terminal instances by instance_id

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	sweepDone   chan struct{}

	now func() time.Time
}

// New creates a registry. publisher is required; metrics may be nil.
func New(cfg config.RegistryConfig, publisher Publisher, metrics *metric.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("subsystem", "registry"),
		active:    make(map[string]*Registration),
		retired:   make(map[string]*Registration),
		now:       time.Now,
	}
}

// Initialize restores the optional disk snapshot. Starting from empty state
// is always correct; components re-register after a hub restart.
func (r *Registry) Initialize() error {
	if r.cfg.RestoreSnapshot && r.cfg.SnapshotPath != "" {
		if err := r.restoreSnapshot(); err != nil {
			// Snapshot restore is a convenience, never a correctness
			// requirement. Log and continue from empty state.
			r.logger.Warn("snapshot restore failed, starting empty", "error", err)
		}
	}
	return nil
}

// Start launches the reclaim and snapshot sweeps.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registry", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(runCtx)

	r.started = true
	return nil
}

// Stop halts sweeps and writes a final snapshot if configured.
func (r *Registry) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	r.cancel()
	select {
	case <-r.sweepDone:
	case <-time.After(timeout):
	}

	if r.cfg.SnapshotPath != "" {
		if err := r.writeSnapshot(); err != nil {
			r.logger.Warn("final snapshot failed", "error", err)
		}
	}
	return nil
}

// Register accepts a new registration, superseding an older one for the same
// component_id. The incoming registration wins only when strictly newer, or
// when the same launcher re-registers its own component at the same or a
// later timestamp. Returns the accepted registration with the issued
// instance ID and session token.
func (r *Registry) Register(reg Registration) (Registration, error) {
	if reg.ComponentID == "" {
		return Registration{}, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "component_id validation")
	}

	now := r.now()
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}
	if reg.InstanceID == "" {
		reg.InstanceID = uuid.NewString()
	}
	reg.Token = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[reg.ComponentID]; ok && existing.State.Terminal() {
		// A record finishing its STOPPING -> INACTIVE handshake no longer
		// counts as active; retire it out of the way of the new instance.
		r.retired[existing.InstanceID] = existing
	} else if ok {
		newer := reg.RegisteredAt.After(existing.RegisteredAt)
		sameLauncher := reg.LauncherID != "" && reg.LauncherID == existing.LauncherID &&
			!reg.RegisteredAt.Before(existing.RegisteredAt)

		if !newer && !sameLauncher {
			if r.metrics != nil {
				r.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
			}
			return Registration{}, errors.WrapInvalid(errors.ErrDuplicateInstance,
				"Registry", "Register", "supersede check")
		}

		// The older instance loses the race: transition it to STOPPING and
		// retire it rather than silently overwriting.
		r.forceTransitionLocked(existing, StateStopping, "superseded",
			"superseded by instance "+reg.InstanceID, now)
		r.retired[existing.InstanceID] = existing
		if r.metrics != nil {
			r.metrics.SupersededInstances.Inc()
		}
		r.logger.Info("registration superseded",
			"component", reg.ComponentID,
			"old_instance", existing.InstanceID,
			"new_instance", reg.InstanceID)
	}

	reg.State = StateUnknown
	stored := reg
	r.active[reg.ComponentID] = &stored
	r.applyTransitionLocked(&stored, StateInitializing, "registered", "", now)

	if r.metrics != nil {
		r.metrics.RegistrationsTotal.WithLabelValues("accepted").Inc()
		r.metrics.RegistrationsActive.Set(float64(r.countActiveLocked()))
	}

	return stored.clone(), nil
}

// Unregister removes the record only when instance_id matches the currently
// active instance. A stale unregister from a superseded instance must not
// evict the new one; it returns false without error.
func (r *Registry) Unregister(componentID, instanceID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.active[componentID]
	if !ok || existing.InstanceID != instanceID {
		return false
	}

	if !existing.State.Terminal() {
		r.forceTransitionLocked(existing, StateStopping, "unregistered", "", now)
	}
	r.forceTransitionLocked(existing, StateInactive, "unregistered", "", now)

	delete(r.active, componentID)
	r.retired[instanceID] = existing

	if r.metrics != nil {
		r.metrics.RegistrationsActive.Set(float64(r.countActiveLocked()))
	}
	return true
}

// ValidateToken reports whether token matches the active instance's session
// token.
func (r *Registry) ValidateToken(componentID, instanceID, token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.active[componentID]
	return ok && existing.InstanceID == instanceID && existing.Token == token
}

// UpdateState applies a state change requested by the owning component or by
// the heartbeat monitor. Invalid transitions fail with ErrInvalidTransition
// and leave state unchanged, but the attempt is still recorded in history.
func (r *Registry) UpdateState(componentID, instanceID string, newState State, reason, description string) error {
	if !newState.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Registry", "UpdateState", "state validation")
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.active[componentID]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownComponent, "Registry", "UpdateState", "component lookup")
	}
	if existing.InstanceID != instanceID {
		return errors.WrapInvalid(errors.ErrStaleInstance, "Registry", "UpdateState", "instance check")
	}

	if !CanTransition(existing.State, newState) {
		existing.History = appendHistory(existing.History, TransitionRecord{
			From:        existing.State,
			To:          newState,
			Reason:      reason,
			Description: description,
			At:          now,
			Accepted:    false,
		}, r.cfg.HistoryLimit)

		if r.metrics != nil {
			r.metrics.InvalidTransitions.WithLabelValues(string(existing.State), string(newState)).Inc()
		}
		r.logger.Warn("invalid state transition rejected",
			"component", componentID, "from", existing.State, "to", newState)
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Registry", "UpdateState", "transition check")
	}

	r.applyTransitionLocked(existing, newState, reason, description, now)

	// A STOPPING record stays in the table so the component can complete the
	// STOPPING -> INACTIVE handshake; removal happens at INACTIVE, on
	// unregister, or via reclaim.
	if newState == StateInactive {
		delete(r.active, componentID)
		r.retired[existing.InstanceID] = existing
	}
	if r.metrics != nil {
		r.metrics.RegistrationsActive.Set(float64(r.countActiveLocked()))
	}
	return nil
}

// Get returns a copy of the active registration for componentID.
func (r *Registry) Get(componentID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.active[componentID]
	if !ok {
		return Registration{}, false
	}
	return existing.clone(), true
}

// Query returns snapshot copies of matching registrations. The read path
// never blocks writers beyond the snapshot copy.
func (r *Registry) Query(filter Filter) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.active {
		if filter.matches(reg) {
			out = append(out, reg.clone())
		}
	}
	return out
}

// Counts returns total and degraded non-terminal registration counts for the
// health endpoint, reflecting best-known state without re-verification.
func (r *Registry) Counts() (total, degraded int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.active {
		if reg.State.Terminal() {
			continue
		}
		total++
		if reg.State == StateDegraded || reg.State == StateError {
			degraded++
		}
	}
	return total, degraded
}

// applyTransitionLocked records and publishes an allowed transition.
// Callers hold r.mu; publishing inside the critical section guarantees
// per-component event ordering matches the order changes were applied.
func (r *Registry) applyTransitionLocked(reg *Registration, to State, reason, description string, at time.Time) {
	from := reg.State
	reg.State = to
	reg.History = appendHistory(reg.History, TransitionRecord{
		From:        from,
		To:          to,
		Reason:      reason,
		Description: description,
		At:          at,
		Accepted:    true,
	}, r.cfg.HistoryLimit)

	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}

	if r.publisher != nil {
		_, err := r.publisher.Publish(bus.TopicStateChanged, StateChangedEvent{
			ComponentID: reg.ComponentID,
			InstanceID:  reg.InstanceID,
			From:        from,
			To:          to,
			Reason:      reason,
			Description: description,
			At:          at,
		}, map[string]string{"component_id": reg.ComponentID})
		if err != nil {
			r.logger.Warn("state change publish failed",
				"component", reg.ComponentID, "to", to, "error", err)
		}
	}
}

// forceTransitionLocked applies a registry-driven transition (supersede,
// unregister) that bypasses the caller-facing transition table.
func (r *Registry) forceTransitionLocked(reg *Registration, to State, reason, description string, at time.Time) {
	if reg.State == to {
		return
	}
	r.applyTransitionLocked(reg, to, reason, description, at)
}

func (r *Registry) countActiveLocked() int {
	n := 0
	for _, reg := range r.active {
		if !reg.State.Terminal() {
			n++
		}
	}
	return n
}

// sweepLoop periodically reclaims old FAILED and retired registrations and
// writes the optional snapshot.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.sweepDone)

	reclaimTicker := time.NewTicker(time.Minute)
	defer reclaimTicker.Stop()

	var snapshotCh <-chan time.Time
	if r.cfg.SnapshotPath != "" && r.cfg.SnapshotEvery.Std() > 0 {
		snapshotTicker := time.NewTicker(r.cfg.SnapshotEvery.Std())
		defer snapshotTicker.Stop()
		snapshotCh = snapshotTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaimTicker.C:
			r.reclaim()
		case <-snapshotCh:
			if err := r.writeSnapshot(); err != nil {
				r.logger.Warn("snapshot write failed", "error", err)
			}
		}
	}
}

// reclaim removes registrations that have sat in a terminal state longer
// than ReclaimAfter.
func (r *Registry) reclaim() {
	cutoff := r.now().Add(-r.cfg.ReclaimAfter.Std())

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, reg := range r.active {
		if reg.State.Terminal() && lastTransition(reg).Before(cutoff) {
			delete(r.active, id)
			r.logger.Info("reclaimed terminal registration",
				"component", id, "instance", reg.InstanceID, "state", reg.State)
		}
	}
	for id, reg := range r.retired {
		if lastTransition(reg).Before(cutoff) {
			delete(r.retired, id)
		}
	}
}

func lastTransition(reg *Registration) time.Time {
	if len(reg.History) == 0 {
		return reg.RegisteredAt
	}
	return reg.History[len(reg.History)-1].At
}

func appendHistory(history []TransitionRecord, rec TransitionRecord, limit int) []TransitionRecord {
	history = append(history, rec)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
