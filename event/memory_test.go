package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func publishN(t *testing.T, bus Bus, channel string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev, err := New(TypeAuditTransition, "test", "corr-1", map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), channel, ev))
	}
}

func TestMemoryBus_FIFOPerSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := bus.Subscribe(ChannelAudit, func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.EventID)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	publishN(t, bus, ChannelAudit, 50)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	// ulid.Make uses a monotonic entropy source, so IDs sort in publish order.
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1], got[i], "events delivered out of order")
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe(ChannelRequests, func(_ context.Context, _ Event) {
		<-release
	})
	require.NoError(t, err)

	start := time.Now()
	publishN(t, bus, ChannelRequests, 100)
	require.Less(t, time.Since(start), time.Second, "publish blocked on slow subscriber")
	close(release)
}

func TestMemoryBus_PanicIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan Event, 2)
	_, err := bus.Subscribe(ChannelResults, func(_ context.Context, _ Event) {
		panic("handler bug")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(ChannelResults, func(_ context.Context, ev Event) {
		received <- ev
	})
	require.NoError(t, err)

	publishN(t, bus, ChannelResults, 2)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved by panicking sibling")
		}
	}
}

func TestMemoryBus_PublishUnknownChannel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ev, err := New(TypeTaskDispatch, "test", "corr-1", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "never-subscribed", ev))
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count int
	var mu sync.Mutex
	sub, err := bus.Subscribe(ChannelTests, func(_ context.Context, _ Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	publishN(t, bus, ChannelTests, 1)
	require.NoError(t, sub.Unsubscribe())
	publishN(t, bus, ChannelTests, 5)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, count, 1)
}
