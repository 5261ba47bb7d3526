// Package workflow defines the task-graph input model and the mutable
// workflow state owned by the scheduler, plus the dispatch/result payloads
// exchanged with worker roles over the event bus.
package workflow

import (
	"time"
)

// Worker role tags. New roles plug in by registering an adapter; these are
// the roles the scheduler routes to by default.
const (
	RoleDesign    = "design"
	RoleImplement = "implement"
	RoleValidate  = "validate"
	RoleRepair    = "repair"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusDispatched = "dispatched"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
	StatusBlocked    = "blocked"
)

// Workflow statuses.
const (
	WorkflowCreated   = "created"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// Branch reasons, assigned from the failure classification of the parent.
const (
	BranchImplementationBug = "implementation_bug"
	BranchSpecMismatch      = "spec_mismatch"
	BranchTimeout           = "timeout"
	BranchMissingDependency = "missing_dependency"
	BranchFlakyTest         = "flaky_test"
	BranchUnknown           = "unknown"
)

// AcceptanceCheck is one test command that must pass for a task's work to be
// considered correct.
type AcceptanceCheck struct {
	Cmd               string   `json:"cmd" yaml:"cmd"`
	TimeoutS          int      `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`
	ExpectedArtifacts []string `json:"expected_artifacts,omitempty" yaml:"expected_artifacts,omitempty"`
}

// Timeout returns the check timeout, defaulting to 60s.
func (a AcceptanceCheck) Timeout() time.Duration {
	if a.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.TimeoutS) * time.Second
}

// Task is one unit of work in a task graph. Older graphs lack the branch
// fields; they default to a depth-zero, parentless task.
type Task struct {
	ID          string            `json:"id" yaml:"id"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Role        string            `json:"role" yaml:"role"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Deps        []string          `json:"deps" yaml:"deps"`
	Acceptance  []AcceptanceCheck `json:"acceptance" yaml:"acceptance"`
	MaxRetries  int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutS    int               `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`

	// Branch-task fields. Present only on tasks synthesized by the scheduler
	// in response to a failure.
	ParentID     string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	BranchReason string `json:"branch_reason,omitempty" yaml:"branch_reason,omitempty"`
	DebugDepth   int    `json:"debug_depth,omitempty" yaml:"debug_depth,omitempty"`

	// Metadata is an opaque mapping (fixture paths, failure routing, etc.).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Timeout returns the overall task timeout, defaulting to 10 minutes.
func (t Task) Timeout() time.Duration {
	if t.TimeoutS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(t.TimeoutS) * time.Second
}

// IsBranch reports whether the task was synthesized by the scheduler.
func (t Task) IsBranch() bool {
	return t.ParentID != ""
}

// FailureRouting returns the class→role overrides from task metadata.
// Keys take the form "failure_routing.<class>".
func (t Task) FailureRouting() map[string]string {
	const prefix = "failure_routing."
	routing := make(map[string]string)
	for k, v := range t.Metadata {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			routing[k[len(prefix):]] = v
		}
	}
	return routing
}

// TaskGraph is the immutable input to the scheduler.
type TaskGraph struct {
	GraphID   string    `json:"graph_id" yaml:"graph_id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Tasks     []Task    `json:"tasks" yaml:"tasks"`
}

// Task returns the task with the given ID, or nil.
func (g *TaskGraph) Task(id string) *Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i]
		}
	}
	return nil
}

// TaskState is the scheduler-owned mutable state for one task.
type TaskState struct {
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastResult        string     `json:"last_result,omitempty"`
	ProducedArtifacts []string   `json:"produced_artifacts,omitempty"`
	Failures          []Failure  `json:"failures,omitempty"`
}

// Terminal reports whether the state is one of the terminal statuses.
func (s *TaskState) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Workflow is the runtime instance produced from a task graph.
type Workflow struct {
	WorkflowID    string    `json:"workflow_id"`
	GraphID       string    `json:"graph_id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`

	// Tasks is the graph snapshot plus any branch tasks synthesized during
	// execution.
	Tasks []Task `json:"tasks"`

	TaskStates map[string]*TaskState `json:"task_states"`

	// BranchCounters names branches deterministically per parent, so replays
	// of the same failure sequence produce the same branch IDs.
	BranchCounters map[string]int `json:"branch_counters"`
}

// Task returns a task (graph or branch) by ID, or nil.
func (w *Workflow) Task(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy, so stored snapshots are isolated from the
// executor's mutations.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Tasks = make([]Task, len(w.Tasks))
	copy(out.Tasks, w.Tasks)
	for i := range out.Tasks {
		out.Tasks[i].Deps = append([]string(nil), w.Tasks[i].Deps...)
		out.Tasks[i].Acceptance = append([]AcceptanceCheck(nil), w.Tasks[i].Acceptance...)
		if w.Tasks[i].Metadata != nil {
			md := make(map[string]string, len(w.Tasks[i].Metadata))
			for k, v := range w.Tasks[i].Metadata {
				md[k] = v
			}
			out.Tasks[i].Metadata = md
		}
	}
	out.TaskStates = make(map[string]*TaskState, len(w.TaskStates))
	for id, st := range w.TaskStates {
		cp := *st
		cp.ProducedArtifacts = append([]string(nil), st.ProducedArtifacts...)
		cp.Failures = append([]Failure(nil), st.Failures...)
		out.TaskStates[id] = &cp
	}
	out.BranchCounters = make(map[string]int, len(w.BranchCounters))
	for id, n := range w.BranchCounters {
		out.BranchCounters[id] = n
	}
	return &out
}

// Failure is one structured failure entry attached to a task result.
type Failure struct {
	Kind    string `json:"kind"`
	Test    string `json:"test,omitempty"`
	Message string `json:"message,omitempty"`
	Trace   string `json:"trace,omitempty"`
}
