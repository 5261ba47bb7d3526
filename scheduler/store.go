package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/conductor/workflow"
)

// ErrWorkflowNotFound is returned when a workflow id is unknown to the store.
var ErrWorkflowNotFound = fmt.Errorf("workflow not found")

// StateStore persists workflow state. The in-memory variant loses state on
// restart; the bolt variant survives it.
type StateStore interface {
	// SaveWorkflow upserts the full workflow state.
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// LoadWorkflow retrieves one workflow by id.
	LoadWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error)

	// ListWorkflows returns all stored workflows ordered by creation time.
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// MemoryStore is the in-process reference store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*workflow.Workflow)}
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.WorkflowID] = wf.Clone()
	return nil
}

func (s *MemoryStore) LoadWorkflow(_ context.Context, workflowID string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
