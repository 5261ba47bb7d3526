package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/sandbox"
	"github.com/c360studio/conductor/workflow"
)

// reportRunner fakes the sandbox runner by writing a canned report into the
// bundle's output directory.
type reportRunner struct {
	report   sandbox.Report
	exitCode int
}

func (r *reportRunner) Exec(_ context.Context, bundle sandbox.Bundle) (*sandbox.ExecResult, error) {
	if err := os.MkdirAll(bundle.OutputDir, 0o755); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r.report)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(bundle.OutputDir, sandbox.ReportFileName), data, 0o644); err != nil {
		return nil, err
	}
	return &sandbox.ExecResult{ExitCode: r.exitCode}, nil
}

func newValidatorWith(t *testing.T, runner sandbox.Runner) (*Validator, string) {
	t.Helper()
	root := t.TempDir()
	v, err := NewValidator(sandbox.NewGateway(runner), root)
	require.NoError(t, err)
	return v, root
}

func strategyDispatch(strategy string) workflow.DispatchPayload {
	return workflow.DispatchPayload{
		CorrelationID: "corr-1",
		WorkflowID:    "wf-1",
		TaskID:        "A",
		Attempt:       1,
		Role:          workflow.RoleValidate,
		ArtifactPaths: []string{strategy},
		Acceptance:    []workflow.AcceptanceCheck{{Cmd: "pytest tests/", TimeoutS: 30}},
	}
}

func TestValidator_PassedMapsToTestPassed(t *testing.T) {
	v, _ := newValidatorWith(t, &reportRunner{report: sandbox.Report{
		Tests:   []sandbox.TestOutcome{{Name: "test_signal", Status: "passed"}},
		Metrics: map[string]float64{"sharpe": 1.2},
	}})

	strategy := filepath.Join(t.TempDir(), "strategy.py")
	require.NoError(t, os.WriteFile(strategy, []byte("pass\n"), 0o644))

	res, err := v.HandleDispatch(context.Background(), strategyDispatch(strategy))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTestPassed, res.Outcome)
	require.Equal(t, 1.2, res.Metrics["sharpe"])
	require.Empty(t, res.Failures)
}

func TestValidator_FailedTestsCarryStructuredFailures(t *testing.T) {
	v, _ := newValidatorWith(t, &reportRunner{
		report: sandbox.Report{
			Tests: []sandbox.TestOutcome{{
				Name:    "test_signal",
				Status:  "failed",
				Message: "AssertionError: expected 3 trades, got 0",
			}},
		},
		exitCode: 1,
	})

	strategy := filepath.Join(t.TempDir(), "strategy.py")
	require.NoError(t, os.WriteFile(strategy, []byte("pass\n"), 0o644))

	res, err := v.HandleDispatch(context.Background(), strategyDispatch(strategy))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTestFailed, res.Outcome)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "test_signal", res.Failures[0].Test)
	require.Contains(t, res.Error, sandbox.StatusTestFailed)
}

func TestValidator_NoArtifactsFailsWithoutSandbox(t *testing.T) {
	v, _ := newValidatorWith(t, &reportRunner{})

	res, err := v.HandleDispatch(context.Background(), workflow.DispatchPayload{
		CorrelationID: "corr-1", WorkflowID: "wf-1", TaskID: "A", Attempt: 1,
		Role: workflow.RoleValidate,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTestFailed, res.Outcome)
	require.Contains(t, res.Error, "no input artifacts")
}

func TestBundleTimeout_TakesLargestCheck(t *testing.T) {
	checks := []workflow.AcceptanceCheck{
		{Cmd: "pytest a", TimeoutS: 30},
		{Cmd: "pytest b", TimeoutS: 90},
	}
	require.Equal(t, checks[1].Timeout(), bundleTimeout(checks))

	// No checks falls back to the per-check default.
	require.Equal(t, workflow.AcceptanceCheck{}.Timeout(), bundleTimeout(nil))
}
