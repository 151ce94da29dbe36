package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	hkerrors "github.com/c360/hubkit/errors"
)

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []StateChangedEvent
}

func (p *capturePublisher) Publish(topic string, payload any, _ map[string]string) (uint64, error) {
	if topic != bus.TopicStateChanged {
		return 0, nil
	}
	ev, ok := payload.(StateChangedEvent)
	if !ok {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return uint64(len(p.events)), nil
}

func (p *capturePublisher) all() []StateChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StateChangedEvent(nil), p.events...)
}

func testRegistry(_ *testing.T) (*Registry, *capturePublisher) {
	pub := &capturePublisher{}
	cfg := config.DefaultConfig().Registry
	r := New(cfg, pub, nil, nil)
	return r, pub
}

func TestRegisterIssuesInstanceAndToken(t *testing.T) {
	r, pub := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)

	assert.NotEmpty(t, reg.InstanceID)
	assert.Equal(t, StateInitializing, reg.State)
	assert.False(t, reg.RegisteredAt.IsZero())
	// Token never leaks through clones; validate through the API instead.
	assert.Empty(t, reg.Token)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, StateUnknown, events[0].From)
	assert.Equal(t, StateInitializing, events[0].To)
}

func TestRegisterRejectsEmptyComponentID(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(Registration{})
	require.Error(t, err)
}

func TestNewerRegistrationSupersedesOlder(t *testing.T) {
	r, pub := testRegistry(t)

	t10 := time.Unix(10, 0)
	t20 := time.Unix(20, 0)

	first, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: t10})
	require.NoError(t, err)

	second, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: t20})
	require.NoError(t, err)

	// Only the t=20 instance remains active; the t=10 instance is STOPPING.
	active, ok := r.Get("svc.a")
	require.True(t, ok)
	assert.Equal(t, second.InstanceID, active.InstanceID)
	assert.NotEqual(t, first.InstanceID, active.InstanceID)

	var supersedeEvent *StateChangedEvent
	for _, ev := range pub.all() {
		if ev.InstanceID == first.InstanceID && ev.To == StateStopping {
			supersedeEvent = &ev
			break
		}
	}
	require.NotNil(t, supersedeEvent, "old instance should have been transitioned to STOPPING")
	assert.Equal(t, "superseded", supersedeEvent.Reason)
}

func TestOlderRegistrationRejected(t *testing.T) {
	r, _ := testRegistry(t)

	t20 := time.Unix(20, 0)
	t10 := time.Unix(10, 0)

	winner, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: t20, LauncherID: "launcher-1"})
	require.NoError(t, err)

	_, err = r.Register(Registration{ComponentID: "svc.a", RegisteredAt: t10, LauncherID: "launcher-2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hkerrors.ErrDuplicateInstance))

	active, ok := r.Get("svc.a")
	require.True(t, ok)
	assert.Equal(t, winner.InstanceID, active.InstanceID)
}

func TestEqualTimestampIncumbentWins(t *testing.T) {
	r, _ := testRegistry(t)

	ts := time.Unix(42, 0)
	_, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: ts, LauncherID: "l1"})
	require.NoError(t, err)

	_, err = r.Register(Registration{ComponentID: "svc.a", RegisteredAt: ts, LauncherID: "l2"})
	assert.True(t, errors.Is(err, hkerrors.ErrDuplicateInstance))
}

func TestSameLauncherMaySupersedeAtSameTimestamp(t *testing.T) {
	r, _ := testRegistry(t)

	ts := time.Unix(42, 0)
	_, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: ts, LauncherID: "l1"})
	require.NoError(t, err)

	second, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: ts, LauncherID: "l1"})
	require.NoError(t, err)

	active, _ := r.Get("svc.a")
	assert.Equal(t, second.InstanceID, active.InstanceID)
}

func TestAtMostOneNonTerminalRegistration(t *testing.T) {
	r, _ := testRegistry(t)

	for i := 0; i < 5; i++ {
		_, err := r.Register(Registration{
			ComponentID:  "svc.a",
			RegisteredAt: time.Unix(int64(10+i), 0),
		})
		require.NoError(t, err)
	}

	nonTerminal := 0
	for _, reg := range r.Query(Filter{ComponentID: "svc.a"}) {
		if !reg.State.Terminal() {
			nonTerminal++
		}
	}
	assert.Equal(t, 1, nonTerminal)
}

func TestUnregisterStaleInstanceNoOps(t *testing.T) {
	r, _ := testRegistry(t)

	old, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: time.Unix(10, 0)})
	require.NoError(t, err)
	current, err := r.Register(Registration{ComponentID: "svc.a", RegisteredAt: time.Unix(20, 0)})
	require.NoError(t, err)

	// Stale unregister from the superseded instance must not evict the new one.
	assert.False(t, r.Unregister("svc.a", old.InstanceID))
	_, ok := r.Get("svc.a")
	assert.True(t, ok)

	assert.True(t, r.Unregister("svc.a", current.InstanceID))
	_, ok = r.Get("svc.a")
	assert.False(t, ok)
}

func TestUpdateStateFollowsTransitionTable(t *testing.T) {
	r, _ := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)
	id := reg.InstanceID

	require.NoError(t, r.UpdateState("svc.a", id, StateReady, "startup_complete", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateActive, "processing", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateDegraded, "load", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateReady, "recovered", ""))
}

func TestUpdateStateCompletesShutdownHandshake(t *testing.T) {
	r, _ := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)
	id := reg.InstanceID

	require.NoError(t, r.UpdateState("svc.a", id, StateReady, "startup_complete", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateStopping, "shutdown", ""))

	// The record stays addressable while STOPPING so the component can
	// report its final transition.
	current, ok := r.Get("svc.a")
	require.True(t, ok)
	assert.Equal(t, StateStopping, current.State)

	require.NoError(t, r.UpdateState("svc.a", id, StateInactive, "shutdown", ""))
	_, ok = r.Get("svc.a")
	assert.False(t, ok, "INACTIVE removes the registration")

	// A STOPPING record does not block a fresh registration either.
	mid, err := r.Register(Registration{ComponentID: "svc.b"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("svc.b", mid.InstanceID, StateReady, "", ""))
	require.NoError(t, r.UpdateState("svc.b", mid.InstanceID, StateStopping, "shutdown", ""))

	replacement, err := r.Register(Registration{ComponentID: "svc.b"})
	require.NoError(t, err)
	current, ok = r.Get("svc.b")
	require.True(t, ok)
	assert.Equal(t, replacement.InstanceID, current.InstanceID)
}

func TestUpdateStateRejectsDisallowedTransition(t *testing.T) {
	r, _ := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)

	// INITIALIZING -> ACTIVE is not in the table.
	err = r.UpdateState("svc.a", reg.InstanceID, StateActive, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hkerrors.ErrInvalidTransition))

	// State unchanged, but the attempt is recorded for diagnosis.
	current, _ := r.Get("svc.a")
	assert.Equal(t, StateInitializing, current.State)

	last := current.History[len(current.History)-1]
	assert.False(t, last.Accepted)
	assert.Equal(t, StateActive, last.To)
}

func TestUpdateStateRejectsStaleInstance(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)

	err = r.UpdateState("svc.a", "bogus-instance", StateReady, "", "")
	assert.True(t, errors.Is(err, hkerrors.ErrStaleInstance))

	err = r.UpdateState("svc.unknown", "any", StateReady, "", "")
	assert.True(t, errors.Is(err, hkerrors.ErrUnknownComponent))
}

func TestEventOrderMatchesApplyOrder(t *testing.T) {
	r, pub := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)
	id := reg.InstanceID

	require.NoError(t, r.UpdateState("svc.a", id, StateReady, "", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateActive, "", ""))
	require.NoError(t, r.UpdateState("svc.a", id, StateDegraded, "", ""))

	var states []State
	for _, ev := range pub.all() {
		if ev.ComponentID == "svc.a" {
			states = append(states, ev.To)
		}
	}
	assert.Equal(t, []State{StateInitializing, StateReady, StateActive, StateDegraded}, states)
}

func TestQueryByCapabilityAndHealth(t *testing.T) {
	r, _ := testRegistry(t)

	a, err := r.Register(Registration{
		ComponentID:  "svc.a",
		Capabilities: []CapabilityInfo{{Name: "process_data", Level: 100}},
	})
	require.NoError(t, err)
	_, err = r.Register(Registration{
		ComponentID:  "svc.b",
		Capabilities: []CapabilityInfo{{Name: "process_data", Level: 50}},
	})
	require.NoError(t, err)
	_, err = r.Register(Registration{ComponentID: "svc.c"})
	require.NoError(t, err)

	all := r.Query(Filter{Capability: "process_data"})
	assert.Len(t, all, 2)

	// Only svc.a reaches READY; healthy-only filtering excludes the rest.
	require.NoError(t, r.UpdateState("svc.a", a.InstanceID, StateReady, "", ""))
	healthy := r.Query(Filter{Capability: "process_data", HealthyOnly: true})
	require.Len(t, healthy, 1)
	assert.Equal(t, "svc.a", healthy[0].ComponentID)
}

func TestCounts(t *testing.T) {
	r, _ := testRegistry(t)

	a, _ := r.Register(Registration{ComponentID: "svc.a"})
	b, _ := r.Register(Registration{ComponentID: "svc.b"})
	_, _ = r.Register(Registration{ComponentID: "svc.c"})

	require.NoError(t, r.UpdateState("svc.a", a.InstanceID, StateReady, "", ""))
	require.NoError(t, r.UpdateState("svc.b", b.InstanceID, StateReady, "", ""))
	require.NoError(t, r.UpdateState("svc.b", b.InstanceID, StateDegraded, "", ""))

	total, degraded := r.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, degraded)
}

func TestValidateToken(t *testing.T) {
	r, _ := testRegistry(t)

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)

	// The issued token is only available server-side; fetch it through the
	// internal table for the test.
	r.mu.RLock()
	token := r.active["svc.a"].Token
	r.mu.RUnlock()

	assert.True(t, r.ValidateToken("svc.a", reg.InstanceID, token))
	assert.False(t, r.ValidateToken("svc.a", reg.InstanceID, "wrong"))
	assert.False(t, r.ValidateToken("svc.a", "wrong-instance", token))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	cfg := config.DefaultConfig().Registry
	cfg.SnapshotPath = path
	cfg.RestoreSnapshot = true

	pub := &capturePublisher{}
	r := New(cfg, pub, nil, nil)

	reg, err := r.Register(Registration{
		ComponentID:  "svc.a",
		Metadata:     map[string]string{"type": "engine"},
		Capabilities: []CapabilityInfo{{Name: "process_data", Level: 100}},
	})
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("svc.a", reg.InstanceID, StateReady, "", ""))
	require.NoError(t, r.writeSnapshot())

	// A fresh registry restores the snapshot with entries DEGRADED pending
	// a fresh heartbeat.
	r2 := New(cfg, &capturePublisher{}, nil, nil)
	require.NoError(t, r2.Initialize())

	restored, ok := r2.Get("svc.a")
	require.True(t, ok)
	assert.Equal(t, StateDegraded, restored.State)
	assert.Equal(t, "engine", restored.Metadata["type"])
}

func TestReclaimRemovesOldFailed(t *testing.T) {
	cfg := config.DefaultConfig().Registry
	cfg.ReclaimAfter = config.Duration(time.Minute)

	r := New(cfg, &capturePublisher{}, nil, nil)

	base := time.Unix(1000, 0)
	r.now = func() time.Time { return base }

	reg, err := r.Register(Registration{ComponentID: "svc.a"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("svc.a", reg.InstanceID, StateFailed, "heartbeat_timeout", ""))

	// Not yet past the reclaim window.
	r.reclaim()
	_, ok := r.Get("svc.a")
	assert.True(t, ok)

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	r.reclaim()
	_, ok = r.Get("svc.a")
	assert.False(t, ok)
}
