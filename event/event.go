// Package event provides the typed pub/sub bus that links all conductor
// components. Events flow over a fixed set of named channels; every event
// carries the correlation identifier of the originating request.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Channel names. Subscribing to an unknown channel creates it lazily, but all
// conductor components publish on this fixed set.
const (
	ChannelRequests  = "requests"
	ChannelResults   = "results"
	ChannelWorkflow  = "workflow"
	ChannelTests     = "tests"
	ChannelDebug     = "debug"
	ChannelArtifacts = "artifacts"
	ChannelApprovals = "approvals"
	ChannelAudit     = "audit"
)

// Channels returns the full set of well-known channel names.
func Channels() []string {
	return []string{
		ChannelRequests,
		ChannelResults,
		ChannelWorkflow,
		ChannelTests,
		ChannelDebug,
		ChannelArtifacts,
		ChannelApprovals,
		ChannelAudit,
	}
}

// Event types.
const (
	TypeTaskDispatch      = "task.dispatch"
	TypeTaskAck           = "task.ack"
	TypeTaskCompleted     = "task.completed"
	TypeTaskFailed        = "task.failed"
	TypeTestPassed        = "test.passed"
	TypeTestFailed        = "test.failed"
	TypeWorkflowCreated   = "workflow.created"
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
	TypeWorkflowCancelled = "workflow.cancelled"
	TypeWorkflowEscalated = "workflow.escalated"
	TypeArtifactCommitted = "artifact.committed"
	TypeApprovalRequested = "approval.requested"
	TypeAuditTransition   = "audit.transition"
)

// Event is the envelope delivered to subscribers. The payload schema depends
// on the event type.
type Event struct {
	// EventID is a ULID, so IDs sort in publication order.
	EventID string `json:"event_id"`

	// Type is one of the Type* constants.
	Type string `json:"event_type"`

	// CorrelationID traces the event back to the originating request.
	CorrelationID string `json:"correlation_id"`

	// WorkflowID and TaskID are set when the event concerns a specific
	// workflow or task.
	WorkflowID string `json:"workflow_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`

	// Source names the component that published the event.
	Source string `json:"source"`

	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh ULID and the current timestamp.
// The payload is JSON-encoded; a nil payload is allowed.
func New(eventType, source, correlationID string, payload any) (Event, error) {
	ev := Event{
		EventID:       ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal payload: %w", err)
		}
		ev.Payload = data
	}

	return ev, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.EventID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewCorrelationID mints a correlation identifier for a new originating
// request.
func NewCorrelationID() string {
	return uuid.New().String()
}

type correlationKey struct{}

// WithCorrelation stores a correlation ID in the context so intermediate
// layers can stamp it on the events they publish.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationFrom extracts the correlation ID from the context, or "" if none
// was set.
func CorrelationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
