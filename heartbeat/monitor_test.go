package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/registry"
)

// queueBus is a deterministic in-test bus: publishes queue envelopes, and
// drain() hands them to subscribers outside any publisher lock.
type queueBus struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[string][]bus.Handler
	queued   []bus.Envelope
	topics   []string
}

func newQueueBus() *queueBus {
	return &queueBus{handlers: make(map[string][]bus.Handler)}
}

func (q *queueBus) Publish(topic string, payload any, headers map[string]string) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.queued = append(q.queued, bus.Envelope{
		Topic:    topic,
		Sequence: q.seq,
		Headers:  headers,
		Payload:  data,
	})
	q.topics = append(q.topics, topic)
	return q.seq, nil
}

func (q *queueBus) Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return &bus.Subscription{}, nil
}

func (q *queueBus) Unsubscribe(*bus.Subscription) {}

func (q *queueBus) drain(t *testing.T) {
	t.Helper()
	for {
		q.mu.Lock()
		if len(q.queued) == 0 {
			q.mu.Unlock()
			return
		}
		env := q.queued[0]
		q.queued = q.queued[1:]
		handlers := append([]bus.Handler(nil), q.handlers[env.Topic]...)
		q.mu.Unlock()

		for _, h := range handlers {
			require.NoError(t, h(context.Background(), env))
		}
	}
}

func (q *queueBus) publishedTopics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.topics...)
}

type fixture struct {
	bus     *queueBus
	reg     *registry.Registry
	monitor *Monitor
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	qb := newQueueBus()
	reg := registry.New(config.DefaultConfig().Registry, qb, nil, nil)
	mon := NewMonitor(config.DefaultConfig().Heartbeat, reg, qb, nil, nil)
	require.NoError(t, mon.Initialize())

	f := &fixture{bus: qb, reg: reg, monitor: mon,
		clock: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	mon.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) register(t *testing.T, componentID string) registry.Registration {
	t.Helper()
	reg, err := f.reg.Register(registry.Registration{
		ComponentID: componentID,
		Endpoint:    "localhost:8200",
	})
	require.NoError(t, err)
	f.bus.drain(t)
	return reg
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestBeatTracksSequenceAndIgnoresStale(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")

	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, map[string]float64{"cpu": 0.2}))

	rec, ok := f.monitor.Snapshot("athena")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, 0.2, rec.ReportedMetrics["cpu"])

	// A replayed or late heartbeat with an old sequence is ignored.
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))
	rec, _ = f.monitor.Snapshot("athena")
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, 0.2, rec.ReportedMetrics["cpu"], "stale beat must not overwrite metrics")

	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 5, nil))
	rec, _ = f.monitor.Snapshot("athena")
	assert.Equal(t, uint64(5), rec.Sequence, "gaps are accepted, regressions are not")
}

func TestBeatFlagsRepeatedSequenceZero(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")

	// A client counting from zero gets its first beat accepted.
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 0,
		map[string]float64{"cpu": 0.1}))
	rec, ok := f.monitor.Snapshot("athena")
	require.True(t, ok)
	assert.Equal(t, uint64(0), rec.Sequence)
	assert.Equal(t, 0.1, rec.ReportedMetrics["cpu"])

	// Replaying sequence zero is out-of-order like any other regression.
	f.advance(time.Second)
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 0,
		map[string]float64{"cpu": 0.9}))
	rec, _ = f.monitor.Snapshot("athena")
	assert.Equal(t, 0.1, rec.ReportedMetrics["cpu"], "replayed zero beat must be ignored")

	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))
	rec, _ = f.monitor.Snapshot("athena")
	assert.Equal(t, uint64(1), rec.Sequence)
}

func TestBeatRejectsUnknownAndStaleInstances(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")

	err := f.monitor.Beat("nonexistent", "whatever", 1, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownComponent)

	err = f.monitor.Beat("athena", "not-"+reg.InstanceID, 1, nil)
	assert.ErrorIs(t, err, errors.ErrStaleInstance)
}

func TestBeatPromotesInitializingToReady(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")

	got, _ := f.reg.Get("athena")
	require.Equal(t, registry.StateInitializing, got.State)

	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))

	got, _ = f.reg.Get("athena")
	assert.Equal(t, registry.StateReady, got.State)
}

func TestSweepEscalatesThroughDegradedToFailed(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))
	f.bus.drain(t)

	// Three missed 10s intervals (plus jitter headroom) degrade.
	f.advance(45 * time.Second)
	f.monitor.sweep()

	got, _ := f.reg.Get("athena")
	assert.Equal(t, registry.StateDegraded, got.State)

	// Six missed intervals fail.
	f.advance(30 * time.Second)
	f.monitor.sweep()

	got, _ = f.reg.Get("athena")
	assert.Equal(t, registry.StateFailed, got.State)
}

func TestDegradedRecoversOnBeat(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))
	f.bus.drain(t)

	f.advance(45 * time.Second)
	f.monitor.sweep()
	got, _ := f.reg.Get("athena")
	require.Equal(t, registry.StateDegraded, got.State)

	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 2, nil))
	got, _ = f.reg.Get("athena")
	assert.Equal(t, registry.StateReady, got.State)

	rec, _ := f.monitor.Snapshot("athena")
	assert.Zero(t, rec.ConsecutiveMisses)
}

func TestFailureSchedulesAndDispatchesRestart(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")
	require.NoError(t, f.monitor.Beat("athena", reg.InstanceID, 1, nil))
	f.bus.drain(t)

	f.advance(45 * time.Second)
	f.monitor.sweep()
	f.advance(30 * time.Second)
	f.monitor.sweep()
	got, _ := f.reg.Get("athena")
	require.Equal(t, registry.StateFailed, got.State)

	// The FAILED event arms the restart timer.
	f.bus.drain(t)
	rec, _ := f.monitor.Snapshot("athena")
	assert.Equal(t, 1, rec.restartCount)

	// Base delay 2s plus at most interval/4 jitter: 10s is safely past due.
	f.advance(10 * time.Second)
	f.monitor.sweep()
	f.bus.drain(t)

	assert.Contains(t, f.bus.publishedTopics(), bus.TopicRestartRequested)
	got, _ = f.reg.Get("athena")
	assert.Equal(t, registry.StateRestarting, got.State)
}

func TestTerminalStateDropsRecord(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "athena")

	require.True(t, f.reg.Unregister("athena", reg.InstanceID))
	f.bus.drain(t)

	_, ok := f.monitor.Snapshot("athena")
	assert.False(t, ok)
}

func TestJitterIsDeterministicAndBounded(t *testing.T) {
	interval := 10 * time.Second
	a := jitterFor("athena", interval)
	b := jitterFor("athena", interval)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, time.Duration(0))
	assert.Less(t, a, interval/4)

	assert.NotEqual(t, jitterFor("athena", interval), jitterFor("hermes", interval),
		"distinct components should not share a deadline offset")
}
