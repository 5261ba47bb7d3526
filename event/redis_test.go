package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	bus := newTestRedisBus(t)
	defer bus.Close()

	received := make(chan Event, 1)
	_, err := bus.Subscribe(ChannelWorkflow, func(_ context.Context, ev Event) {
		received <- ev
	})
	require.NoError(t, err)

	// Give the pub/sub connection a moment to establish.
	time.Sleep(50 * time.Millisecond)

	sent, err := New(TypeWorkflowStarted, "scheduler", "corr-42", map[string]string{"workflow_id": "wf-1"})
	require.NoError(t, err)
	sent.WorkflowID = "wf-1"
	require.NoError(t, bus.Publish(context.Background(), ChannelWorkflow, sent))

	select {
	case got := <-received:
		require.Equal(t, sent.EventID, got.EventID)
		require.Equal(t, TypeWorkflowStarted, got.Type)
		require.Equal(t, "corr-42", got.CorrelationID)
		require.Equal(t, "wf-1", got.WorkflowID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redis delivery")
	}
}

func TestRedisBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestRedisBus(t)
	defer bus.Close()

	received := make(chan Event, 8)
	sub, err := bus.Subscribe(ChannelTests, func(_ context.Context, ev Event) {
		received <- ev
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Unsubscribe())

	ev, err := New(TypeTestPassed, "sandbox", "corr-7", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ChannelTests, ev))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
