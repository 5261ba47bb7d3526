package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/event"
	"github.com/c360studio/conductor/workflow"
)

type stubAdapter struct {
	mu       sync.Mutex
	received []workflow.DispatchPayload
	result   workflow.ResultPayload
	err      error
}

func (s *stubAdapter) HandleDispatch(_ context.Context, p workflow.DispatchPayload) (workflow.ResultPayload, error) {
	s.mu.Lock()
	s.received = append(s.received, p)
	s.mu.Unlock()
	return s.result, s.err
}

// collectResults gathers everything published on the results channel.
func collectResults(t *testing.T, bus event.Bus) func() []event.Event {
	t.Helper()
	var mu sync.Mutex
	var events []event.Event
	sub, err := bus.Subscribe(event.ChannelResults, func(_ context.Context, ev event.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]event.Event(nil), events...)
	}
}

func dispatch(t *testing.T, bus event.Bus, p workflow.DispatchPayload) {
	t.Helper()
	ev, err := event.New(event.TypeTaskDispatch, "test", p.CorrelationID, p)
	require.NoError(t, err)
	ev.WorkflowID = p.WorkflowID
	ev.TaskID = p.TaskID
	require.NoError(t, bus.Publish(context.Background(), event.ChannelRequests, ev))
}

func waitForResults(t *testing.T, snapshot func() []event.Event, want int) []event.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(snapshot()) >= want },
		5*time.Second, 10*time.Millisecond)
	return snapshot()
}

func TestRegistry_RoutesToAdapterAndAcks(t *testing.T) {
	bus := event.NewMemoryBus()
	defer bus.Close()

	adapter := &stubAdapter{result: workflow.ResultPayload{
		Outcome:   workflow.OutcomeCompleted,
		Artifacts: []string{"out/strategy.py"},
	}}
	reg := NewRegistry(bus)
	reg.Register(workflow.RoleImplement, adapter)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Close()

	snapshot := collectResults(t, bus)
	dispatch(t, bus, workflow.DispatchPayload{
		CorrelationID: "corr-1",
		WorkflowID:    "wf-1",
		TaskID:        "A",
		Attempt:       1,
		Role:          workflow.RoleImplement,
		Title:         "build",
	})

	events := waitForResults(t, snapshot, 2)
	require.Equal(t, event.TypeTaskAck, events[0].Type)
	require.Equal(t, event.TypeTaskCompleted, events[1].Type)

	var res workflow.ResultPayload
	require.NoError(t, events[1].Decode(&res))
	require.Equal(t, "A", res.TaskID)
	require.Equal(t, 1, res.Attempt)
	require.Equal(t, "corr-1", res.CorrelationID)
	require.Equal(t, []string{"out/strategy.py"}, res.Artifacts)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.received, 1)
	require.Equal(t, "build", adapter.received[0].Title)
}

func TestRegistry_UnknownRoleFailsFast(t *testing.T) {
	bus := event.NewMemoryBus()
	defer bus.Close()

	reg := NewRegistry(bus)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Close()

	snapshot := collectResults(t, bus)
	dispatch(t, bus, workflow.DispatchPayload{
		CorrelationID: "corr-1", WorkflowID: "wf-1", TaskID: "A", Attempt: 1,
		Role: "archaeologist",
	})

	events := waitForResults(t, snapshot, 2)
	require.Equal(t, event.TypeTaskFailed, events[1].Type)

	var res workflow.ResultPayload
	require.NoError(t, events[1].Decode(&res))
	require.Equal(t, workflow.OutcomeFailed, res.Outcome)
	require.Contains(t, res.Error, "archaeologist")
}

func TestRegistry_AdapterErrorBecomesFailedResult(t *testing.T) {
	bus := event.NewMemoryBus()
	defer bus.Close()

	adapter := &stubAdapter{err: context.DeadlineExceeded}
	reg := NewRegistry(bus)
	reg.Register(workflow.RoleValidate, adapter)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Close()

	snapshot := collectResults(t, bus)
	dispatch(t, bus, workflow.DispatchPayload{
		CorrelationID: "corr-1", WorkflowID: "wf-1", TaskID: "A", Attempt: 2,
		Role: workflow.RoleValidate,
	})

	events := waitForResults(t, snapshot, 2)
	require.Equal(t, event.TypeTaskFailed, events[1].Type)

	var res workflow.ResultPayload
	require.NoError(t, events[1].Decode(&res))
	require.Equal(t, 2, res.Attempt)
	require.Contains(t, res.Error, "deadline exceeded")
}
