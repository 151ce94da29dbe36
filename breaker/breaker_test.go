package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	br := NewBreaker("provider:cap", threshold, recovery, nil)
	br.now = func() time.Time { return clock }
	return br, &clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	br, _ := newTestBreaker(3, 30*time.Second)

	br.Record(false)
	br.Record(false)
	assert.Equal(t, StateClosed, br.State(), "below threshold stays closed")
	assert.True(t, br.Allow())

	br.Record(false)
	assert.Equal(t, StateOpen, br.State())
	assert.False(t, br.Allow(), "open breaker fails fast")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	br, _ := newTestBreaker(3, 30*time.Second)

	br.Record(false)
	br.Record(false)
	br.Record(true)
	br.Record(false)
	br.Record(false)
	assert.Equal(t, StateClosed, br.State(), "failures must be consecutive")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	br, clock := newTestBreaker(1, 30*time.Second)

	br.Record(false)
	require.Equal(t, StateOpen, br.State())
	require.False(t, br.Allow())

	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, br.State())

	assert.True(t, br.Allow(), "first call after recovery is the probe")
	assert.False(t, br.Allow(), "only one probe in flight")

	br.Record(true)
	assert.Equal(t, StateClosed, br.State())
	assert.True(t, br.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	br, clock := newTestBreaker(1, 30*time.Second)

	br.Record(false)
	*clock = clock.Add(31 * time.Second)
	require.True(t, br.Allow())

	br.Record(false)
	assert.Equal(t, StateOpen, br.State())
	assert.False(t, br.Allow(), "recovery window restarts after a failed probe")

	*clock = clock.Add(31 * time.Second)
	assert.True(t, br.Allow())
}

func TestBreakerTransitionCallback(t *testing.T) {
	type flip struct{ from, to State }
	var flips []flip
	br := NewBreaker("provider:cap", 1, 30*time.Second, func(_ string, from, to State) {
		flips = append(flips, flip{from, to})
	})
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return clock }

	br.Record(false)
	clock = clock.Add(31 * time.Second)
	br.Allow()
	br.Record(true)

	require.Len(t, flips, 3)
	assert.Equal(t, flip{StateClosed, StateOpen}, flips[0])
	assert.Equal(t, flip{StateOpen, StateHalfOpen}, flips[1])
	assert.Equal(t, flip{StateHalfOpen, StateClosed}, flips[2])
}
