// Package sandbox runs candidate strategies in an isolated environment and
// classifies the outcome from a structured report the harness writes.
package sandbox

import (
	"time"

	"github.com/c360studio/conductor/workflow"
)

// Result statuses.
const (
	StatusPassed        = "passed"
	StatusTestFailed    = "test-failed"
	StatusStaticFailed  = "static-failed"
	StatusTimeout       = "timeout"
	StatusSandboxError  = "sandbox-error"
	StatusSchemaInvalid = "schema-invalid"
)

// Bundle names the inputs for one sandbox execution.
type Bundle struct {
	// StrategyFile is the code under test.
	StrategyFile string
	// TestFiles are the acceptance tests to run against it.
	TestFiles []string
	// Fixtures are data files the tests may read.
	Fixtures []string
	// OutputDir receives full logs, the report, and any produced artifacts.
	OutputDir string
	// Timeout is the wall-clock budget; the run is killed on expiry.
	Timeout time.Duration
	// Seed makes runs reproducible; the harness must honor it.
	Seed int64
}

// Result is the classified outcome of a run. Artifacts are paths under
// OutputDir, never contents.
type Result struct {
	Status    string
	ExitCode  int
	Duration  time.Duration
	Artifacts []string
	Failures  []workflow.Failure
	Metrics   map[string]float64
	// Stdout and Stderr are truncated captures; full streams are written to
	// OutputDir.
	Stdout     string
	Stderr     string
	LogsPath   string
	ReportPath string
	TimedOut   bool
	// LastLine is a best-effort extraction of the last executed source line
	// on timeout.
	LastLine string
}

// OK reports whether the run passed all checks.
func (r *Result) OK() bool {
	return r.Status == StatusPassed
}

// ExecResult is the raw outcome a Runner reports before classification.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}
