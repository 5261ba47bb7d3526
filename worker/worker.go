// Package worker implements the role adapters that consume task dispatches
// from the requests channel and reply with results. The scheduler is unaware
// of adapter internals; the (task_id, attempt) pair in the reply is the only
// correlation it needs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/conductor/event"
	"github.com/c360studio/conductor/workflow"
)

const source = "worker"

// Adapter handles one dispatched task. Implementations must observe ctx at
// suspension points; a returned error becomes a task.failed result.
type Adapter interface {
	HandleDispatch(ctx context.Context, p workflow.DispatchPayload) (workflow.ResultPayload, error)
}

// Registry binds role tags to adapters and pumps the requests channel.
type Registry struct {
	bus    event.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	sub      event.Subscription
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an unstarted registry.
func NewRegistry(bus event.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:      bus,
		logger:   slog.Default().With("component", source),
		adapters: make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an adapter to a role tag, replacing any previous binding.
func (r *Registry) Register(role string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[role] = a
}

// Roles returns the registered role tags.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.adapters))
	for role := range r.adapters {
		roles = append(roles, role)
	}
	return roles
}

// Start subscribes to the requests channel. Dispatches for unregistered roles
// are answered with task.failed so the scheduler does not wait out the task
// timeout.
func (r *Registry) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(event.ChannelRequests, func(_ context.Context, ev event.Event) {
		r.handle(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe requests channel: %w", err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Close stops consuming dispatches.
func (r *Registry) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (r *Registry) handle(ctx context.Context, ev event.Event) {
	if ev.Type != event.TypeTaskDispatch {
		return
	}
	var p workflow.DispatchPayload
	if err := ev.Decode(&p); err != nil {
		r.logger.Warn("undecodable dispatch", "event_id", ev.EventID, "error", err)
		return
	}

	r.publishReply(ctx, event.TypeTaskAck, workflow.ResultPayload{
		CorrelationID: p.CorrelationID,
		WorkflowID:    p.WorkflowID,
		TaskID:        p.TaskID,
		Attempt:       p.Attempt,
	})

	r.mu.RLock()
	adapter, ok := r.adapters[p.Role]
	r.mu.RUnlock()

	var res workflow.ResultPayload
	if !ok {
		res = workflow.ResultPayload{
			Outcome: workflow.OutcomeFailed,
			Error:   fmt.Sprintf("no adapter registered for role %q", p.Role),
		}
	} else {
		var err error
		res, err = adapter.HandleDispatch(ctx, p)
		if err != nil {
			r.logger.Error("adapter failed",
				"role", p.Role, "task_id", p.TaskID, "error", err)
			res = workflow.ResultPayload{
				Outcome: workflow.OutcomeFailed,
				Error:   err.Error(),
			}
		}
	}

	res.CorrelationID = p.CorrelationID
	res.WorkflowID = p.WorkflowID
	res.TaskID = p.TaskID
	res.Attempt = p.Attempt
	r.publishReply(ctx, resultEventType(res.Outcome), res)
}

func resultEventType(outcome string) string {
	switch outcome {
	case workflow.OutcomeCompleted:
		return event.TypeTaskCompleted
	case workflow.OutcomeTestPassed:
		return event.TypeTestPassed
	case workflow.OutcomeTestFailed:
		return event.TypeTestFailed
	default:
		return event.TypeTaskFailed
	}
}

func (r *Registry) publishReply(ctx context.Context, eventType string, res workflow.ResultPayload) {
	ev, err := event.New(eventType, source, res.CorrelationID, res)
	if err != nil {
		r.logger.Error("build reply event", "type", eventType, "error", err)
		return
	}
	ev.WorkflowID = res.WorkflowID
	ev.TaskID = res.TaskID
	if err := r.bus.Publish(ctx, event.ChannelResults, ev); err != nil {
		r.logger.Error("publish reply", "type", eventType, "error", err)
	}
}
