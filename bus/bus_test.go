package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubkit/config"
)

func testBus(t *testing.T, mutate func(*config.BusConfig)) *Bus {
	t.Helper()

	cfg := config.DefaultConfig().Bus
	cfg.DeliveryTimeout = config.Duration(time.Second)
	if mutate != nil {
		mutate(&cfg)
	}

	b := New(cfg, nil, nil)
	require.NoError(t, b.Initialize())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = b.Stop(2 * time.Second)
	})
	return b
}

type event struct {
	Value int `json:"value"`
}

func TestPublishAssignsIncreasingSequences(t *testing.T) {
	b := testBus(t, nil)

	for i := 1; i <= 5; i++ {
		seq, err := b.Publish("test.topic", event{Value: i}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// Sequences are per-topic.
	seq, err := b.Publish("other.topic", event{Value: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestPublishRejectsInvalidTopic(t *testing.T) {
	b := testBus(t, nil)

	_, err := b.Publish("", event{}, nil)
	require.Error(t, err)

	_, err = b.Publish(TopicWildcard, event{}, nil)
	require.Error(t, err)
}

func TestHandlerSubscriptionReceivesInOrder(t *testing.T) {
	b := testBus(t, nil)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	sub, err := b.Subscribe("orders", func(_ context.Context, env Envelope) error {
		var e event
		require.NoError(t, env.Decode(&e))
		mu.Lock()
		got = append(got, e.Value)
		n := len(got)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	for i := 1; i <= 10; i++ {
		_, err := b.Publish("orders", event{Value: i}, nil)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestConcurrentPublishersPreservePerTopicOrder(t *testing.T) {
	const (
		publishers = 8
		perPub     = 200
	)

	b := testBus(t, func(cfg *config.BusConfig) {
		cfg.SubscriberBuffer = publishers * perPub
	})

	sub, err := b.SubscribeChan("contended")
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPub; i++ {
				_, err := b.Publish("contended", event{Value: i}, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// Enqueue order must match sequence assignment order even with
	// contending publishers.
	var last uint64
	for i := 0; i < publishers*perPub; i++ {
		select {
		case env := <-sub.C():
			require.Equal(t, last+1, env.Sequence)
			last = env.Sequence
		case <-time.After(2 * time.Second):
			t.Fatalf("missing delivery after sequence %d", last)
		}
	}
}

func TestWildcardSubscriptionSeesAllTopics(t *testing.T) {
	b := testBus(t, nil)

	seen := make(chan string, 4)
	sub, err := b.Subscribe(TopicWildcard, func(_ context.Context, env Envelope) error {
		seen <- env.Topic
		return nil
	})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish("topic.a", event{}, nil)
	require.NoError(t, err)
	_, err = b.Publish("topic.b", event{}, nil)
	require.NoError(t, err)

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case topic := <-seen:
			topics[topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard subscriber missed a topic")
		}
	}
	assert.True(t, topics["topic.a"])
	assert.True(t, topics["topic.b"])
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := testBus(t, func(cfg *config.BusConfig) {
		cfg.SubscriberBuffer = 1
		cfg.DeliveryTimeout = config.Duration(50 * time.Millisecond)
	})

	block := make(chan struct{})
	slow, err := b.Subscribe("load", func(ctx context.Context, _ Envelope) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	require.NoError(t, err)
	defer b.Unsubscribe(slow)

	fastDone := make(chan struct{})
	var fastCount int
	var mu sync.Mutex
	fast, err := b.Subscribe("load", func(_ context.Context, _ Envelope) error {
		mu.Lock()
		fastCount++
		n := fastCount
		mu.Unlock()
		if n == 5 {
			close(fastDone)
		}
		return nil
	})
	require.NoError(t, err)
	defer b.Unsubscribe(fast)

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := b.Publish("load", event{Value: i}, nil)
		require.NoError(t, err)
	}
	// Publishing never blocks on the slow subscriber.
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber stalled behind slow subscriber")
	}
	close(block)
}

func TestChannelSubscription(t *testing.T) {
	b := testBus(t, nil)

	sub, err := b.SubscribeChan("stream")
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish("stream", event{Value: 7}, map[string]string{"origin": "test"})
	require.NoError(t, err)

	select {
	case env := <-sub.C():
		assert.Equal(t, "stream", env.Topic)
		assert.Equal(t, uint64(1), env.Sequence)
		assert.Equal(t, "test", env.Headers["origin"])
		var e event
		require.NoError(t, env.Decode(&e))
		assert.Equal(t, 7, e.Value)
	case <-time.After(time.Second):
		t.Fatal("channel subscription received nothing")
	}
}

func TestHistoryReplaySinceSequence(t *testing.T) {
	b := testBus(t, nil)

	for i := 1; i <= 10; i++ {
		_, err := b.Publish("replay", event{Value: i}, nil)
		require.NoError(t, err)
	}

	// Replay returns exactly the messages with sequence > s, in order.
	envs := b.History("replay", 4, 0)
	require.Len(t, envs, 6)
	for i, env := range envs {
		assert.Equal(t, uint64(5+i), env.Sequence)
	}

	limited := b.History("replay", 0, 3)
	require.Len(t, limited, 3)
	assert.Equal(t, uint64(1), limited[0].Sequence)
	assert.Equal(t, uint64(3), limited[2].Sequence)

	assert.Empty(t, b.History("replay", 10, 0))
	assert.Nil(t, b.History("never-published", 0, 0))
}

func TestHistoryBoundedByCount(t *testing.T) {
	b := testBus(t, func(cfg *config.BusConfig) {
		cfg.HistorySize = 5
	})

	for i := 1; i <= 12; i++ {
		_, err := b.Publish("bounded", event{Value: i}, nil)
		require.NoError(t, err)
	}

	envs := b.History("bounded", 0, 0)
	require.Len(t, envs, 5)
	// Oldest entries were evicted; only 8..12 remain.
	assert.Equal(t, uint64(8), envs[0].Sequence)
	assert.Equal(t, uint64(12), envs[4].Sequence)

	// Sequence numbering continues past evictions.
	assert.Equal(t, uint64(12), b.CurrentSequence("bounded"))
}

func TestFullSubscriberBufferDropsNotBlocks(t *testing.T) {
	b := testBus(t, func(cfg *config.BusConfig) {
		cfg.SubscriberBuffer = 2
	})

	sub, err := b.SubscribeChan("burst")
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	// Nobody draining: the third publish must drop, not block.
	for i := 1; i <= 5; i++ {
		_, err := b.Publish("burst", event{Value: i}, nil)
		require.NoError(t, err)
	}

	// The full history is still replayable to close the gap.
	assert.Len(t, b.History("burst", 0, 0), 5)
}

func TestPayloadForms(t *testing.T) {
	b := testBus(t, nil)

	_, err := b.Publish("payloads", json.RawMessage(`{"raw":true}`), nil)
	require.NoError(t, err)
	_, err = b.Publish("payloads", []byte(`{"bytes":true}`), nil)
	require.NoError(t, err)
	_, err = b.Publish("payloads", nil, nil)
	require.NoError(t, err)

	envs := b.History("payloads", 0, 0)
	require.Len(t, envs, 3)
	assert.JSONEq(t, `{"raw":true}`, string(envs[0].Payload))
	assert.JSONEq(t, `{"bytes":true}`, string(envs[1].Payload))
	assert.Nil(t, envs[2].Payload)
}

func TestStopClosesSubscriptions(t *testing.T) {
	cfg := config.DefaultConfig().Bus
	b := New(cfg, nil, nil)
	require.NoError(t, b.Start(context.Background()))

	sub, err := b.SubscribeChan("shutdown")
	require.NoError(t, err)

	require.NoError(t, b.Stop(time.Second))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on bus stop")
	}
}
