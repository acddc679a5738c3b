package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started", RunID: "run-1"}))

	ev := receive(t, ch)
	assert.Equal(t, "run_started", ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.False(t, ev.Timestamp.IsZero(), "publish stamps missing timestamps")
}

func TestMemoryHub_TopicFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	runs, cancelRuns, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns})
	require.NoError(t, err)
	defer cancelRuns()
	ops, cancelOps, err := hub.Subscribe(ctx, Filter{Topic: TopicOps})
	require.NoError(t, err)
	defer cancelOps()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicOps, Type: "disk_pressure"}))

	ev := receive(t, ops)
	assert.Equal(t, "disk_pressure", ev.Type)
	select {
	case ev := <-runs:
		t.Fatalf("runs subscriber received %q from ops topic", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_RunIDFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns, RunID: "run-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started", RunID: "run-1"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started", RunID: "run-2"}))

	ev := receive(t, ch)
	assert.Equal(t, "run-2", ev.RunID)
}

func TestMemoryHub_TypeFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns, Types: []string{"run_succeeded", "run_failed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "step_dispatching"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_failed"}))

	ev := receive(t, ch)
	assert.Equal(t, "run_failed", ev.Type)
}

func TestMemoryHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns})
	require.NoError(t, err)
	defer cancel()

	// Never drained: fill the buffer and keep publishing. Publish must not
	// block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultChannelBuffer*2; i++ {
			_ = hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started"}))

	// A range loop over the subscription must terminate after cancel.
	ev, open := <-ch
	assert.False(t, open, "cancel must close the subscriber channel, got %q", ev.Type)

	// Cancelling twice is a no-op, not a double close.
	cancel()
}

func TestMemoryHub_CancelDuringPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicRuns})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = hub.Publish(ctx, StreamEvent{Topic: TopicRuns, Type: "run_started"})
		}
	}()
	go func() {
		for range ch {
		}
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not finish after concurrent cancel")
	}
}

func TestMetricCache_LatestWinsPerMetric(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	cache, err := NewMetricCache(ctx, hub)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		Topic:   TopicMetrics,
		Type:    "metric_sample",
		Payload: MetricSample{Name: "disk_usage_percent", Value: 82},
	}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{
		Topic:   TopicMetrics,
		Type:    "metric_sample",
		Payload: MetricSample{Name: "disk_usage_percent", Value: 93},
	}))

	require.Eventually(t, func() bool {
		s, ok := cache.Latest("disk_usage_percent")
		return ok && s.Value == 93
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := cache.Latest("cpu_usage_percent")
	assert.False(t, ok)
}

func TestMetricCache_CloseDetachesFromHub(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	cache, err := NewMetricCache(ctx, hub)
	require.NoError(t, err)
	cache.Close()

	// The feed loop has ended; later samples never reach the cache.
	require.NoError(t, hub.Publish(ctx, StreamEvent{
		Topic:   TopicMetrics,
		Type:    "metric_sample",
		Payload: MetricSample{Name: "disk_usage_percent", Value: 99},
	}))
	time.Sleep(20 * time.Millisecond)
	_, ok := cache.Latest("disk_usage_percent")
	assert.False(t, ok)
}

func TestMetricCache_RecordBypassesHub(t *testing.T) {
	cache := NewStaticMetricCache()
	cache.Record(MetricSample{Name: "queue_depth", Value: 17})

	s, ok := cache.Latest("queue_depth")
	require.True(t, ok)
	assert.Equal(t, 17.0, s.Value)
}
