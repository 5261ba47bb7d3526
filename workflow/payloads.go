package workflow

// Result outcomes carried on the results channel.
const (
	OutcomeCompleted  = "task.completed"
	OutcomeFailed     = "task.failed"
	OutcomeTestPassed = "test.passed"
	OutcomeTestFailed = "test.failed"
)

// DispatchPayload is what a worker role receives on the requests channel.
type DispatchPayload struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowID    string `json:"workflow_id"`
	TaskID        string `json:"task_id"`
	Attempt       int    `json:"attempt"`

	Role        string `json:"role"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`

	// Branch context: set only when this dispatch is a repair branch or the
	// re-validation of a repaired parent.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	FailureClass string `json:"failure_class,omitempty"`
	FixHint      string `json:"fix_hint,omitempty"`

	Acceptance []AcceptanceCheck `json:"acceptance,omitempty"`

	// Input artifact and fixture paths available to the role.
	ArtifactPaths []string `json:"artifact_paths,omitempty"`
	FixturePaths  []string `json:"fixture_paths,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResultPayload is a worker role's reply on the results channel. The
// (TaskID, Attempt) pair correlates it with the awaiting dispatch.
type ResultPayload struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowID    string `json:"workflow_id"`
	TaskID        string `json:"task_id"`
	Attempt       int    `json:"attempt"`

	// Outcome is one of the Outcome* constants.
	Outcome string `json:"outcome"`

	Artifacts []string           `json:"artifacts,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`

	Failures   []Failure `json:"failures,omitempty"`
	LogsPath   string    `json:"logs_path,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	Error      string    `json:"error,omitempty"`

	// Stderr carries the captured (truncated) stderr for failure
	// classification when structured failures are absent.
	Stderr string `json:"stderr,omitempty"`

	// TimedOut is set when the failure was a wall-clock expiry.
	TimedOut bool `json:"timed_out,omitempty"`
}

// OK reports whether the result is a success outcome.
func (r *ResultPayload) OK() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeTestPassed
}
