package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFIFO(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, "job-1", "rtx4090"))
	require.NoError(t, bus.Enqueue(ctx, "job-2", "rtx4090"))
	require.NoError(t, bus.Enqueue(ctx, "job-3", "rtx4090"))

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		got, err := bus.Dequeue(ctx, "rtx4090", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemoryBusDequeueEmptyReturnsBlank(t *testing.T) {
	bus := NewMemoryBus()
	got, err := bus.Dequeue(context.Background(), "rtx4090", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestMemoryBusQueuesAreIndependent(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, "job-a", "a100"))
	got, err := bus.Dequeue(ctx, "rtx4090", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = bus.Dequeue(ctx, "a100", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-a", got)
}

func TestMemoryBusRemove(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, "job-1", "rtx4090"))
	require.NoError(t, bus.Enqueue(ctx, "job-2", "rtx4090"))
	require.NoError(t, bus.Remove(ctx, "job-1", "rtx4090"))

	got, err := bus.Dequeue(ctx, "rtx4090", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-2", got)

	got, err = bus.Dequeue(ctx, "rtx4090", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	messages, stop, err := bus.SubscribeProgress(ctx, "job-1")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.PublishProgress(ctx, "job-1", Progress{
		JobID:           "job-1",
		Status:          "RENDERING",
		ProgressPercent: 42,
	}))
	// a different job's channel must not leak in
	require.NoError(t, bus.PublishProgress(ctx, "job-2", Progress{JobID: "job-2", Status: "QUEUED"}))

	select {
	case raw := <-messages:
		var p Progress
		require.NoError(t, json.Unmarshal([]byte(raw), &p))
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, "RENDERING", p.Status)
		assert.Equal(t, 42.0, p.ProgressPercent)
		assert.NotZero(t, p.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no progress message received")
	}

	select {
	case raw, ok := <-messages:
		if ok {
			t.Fatalf("unexpected message: %s", raw)
		}
	default:
	}
}

func TestMemoryBusStopIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	messages, stop, err := bus.SubscribeProgress(context.Background(), "job-1")
	require.NoError(t, err)

	stop()
	stop()

	_, ok := <-messages
	assert.False(t, ok, "channel should be closed after stop")
}

func TestMemoryBusSubscriberStopsOnContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	messages, stop, err := bus.SubscribeProgress(ctx, "job-1")
	require.NoError(t, err)
	defer stop()

	cancel()

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
