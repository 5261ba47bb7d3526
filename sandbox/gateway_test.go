package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeRunner writes a canned report (or none) and returns a fixed exec
// result, so classification can be tested without containers.
type fakeRunner struct {
	report  *Report
	rawJSON string
	exec    ExecResult
	// perRun overrides the report per invocation, for determinism tests.
	perRun []*Report
	calls  int
}

func (f *fakeRunner) Exec(_ context.Context, bundle Bundle) (*ExecResult, error) {
	report := f.report
	if f.calls < len(f.perRun) {
		report = f.perRun[f.calls]
	}
	f.calls++

	if report != nil {
		data, _ := json.Marshal(report)
		if err := os.MkdirAll(bundle.OutputDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(bundle.OutputDir, ReportFileName), data, 0o644); err != nil {
			return nil, err
		}
	} else if f.rawJSON != "" {
		if err := os.MkdirAll(bundle.OutputDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(bundle.OutputDir, ReportFileName), []byte(f.rawJSON), 0o644); err != nil {
			return nil, err
		}
	}

	exec := f.exec
	return &exec, nil
}

func testBundle(t *testing.T) Bundle {
	t.Helper()
	return Bundle{
		StrategyFile: "strategy.py",
		OutputDir:    filepath.Join(t.TempDir(), "out"),
		Timeout:      5 * time.Second,
		Seed:         42,
	}
}

func TestGateway_Passed(t *testing.T) {
	runner := &fakeRunner{
		report: &Report{
			Tests:   []TestOutcome{{Name: "test_returns", Status: "passed"}},
			Metrics: map[string]float64{"sharpe": 1.2},
		},
	}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPassed {
		t.Errorf("expected passed, got %s", result.Status)
	}
	if !result.OK() {
		t.Error("OK must be true for passed")
	}
	if result.Metrics["sharpe"] != 1.2 {
		t.Errorf("metrics not carried: %v", result.Metrics)
	}
}

func TestGateway_TestFailed(t *testing.T) {
	runner := &fakeRunner{
		report: &Report{
			ExitCode: 1,
			Tests: []TestOutcome{
				{Name: "test_returns", Status: "failed", Message: "AssertionError: 0.1 != 0.2", Trace: "strategy.py:12"},
				{Name: "test_shape", Status: "passed"},
			},
		},
		exec: ExecResult{ExitCode: 1},
	}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusTestFailed {
		t.Errorf("expected test-failed, got %s", result.Status)
	}
	if len(result.Failures) != 1 || result.Failures[0].Test != "test_returns" {
		t.Errorf("unexpected failures: %+v", result.Failures)
	}
}

func TestGateway_StaticFailedTakesPriority(t *testing.T) {
	runner := &fakeRunner{
		report: &Report{
			Tests:        []TestOutcome{{Name: "test_x", Status: "failed"}},
			StaticChecks: []StaticCheck{{Name: "bandit", Passed: false, Message: "eval() used"}},
		},
	}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusStaticFailed {
		t.Errorf("expected static-failed, got %s", result.Status)
	}
}

func TestGateway_MissingReport(t *testing.T) {
	runner := &fakeRunner{exec: ExecResult{ExitCode: 0}}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSandboxError {
		t.Errorf("expected sandbox-error, got %s", result.Status)
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != "missing-report" {
		t.Errorf("expected missing-report failure, got %+v", result.Failures)
	}
}

func TestGateway_SchemaInvalid(t *testing.T) {
	runner := &fakeRunner{rawJSON: "{not json"}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSchemaInvalid {
		t.Errorf("expected schema-invalid, got %s", result.Status)
	}
}

func TestGateway_TimeoutExtractsLastLine(t *testing.T) {
	runner := &fakeRunner{
		exec: ExecResult{
			ExitCode: -1,
			TimedOut: true,
			Stderr:   "Traceback (most recent call last):\n  File \"strategy.py\", line 42, in run\n  File \"strategy.py\", line 77, in loop\n",
		},
	}
	g := NewGateway(runner)

	result, err := g.Run(context.Background(), testBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusTimeout {
		t.Errorf("expected timeout, got %s", result.Status)
	}
	if !strings.Contains(result.LastLine, "line 77") {
		t.Errorf("expected deepest frame extracted, got %q", result.LastLine)
	}
}

func TestGateway_WritesFullLogs(t *testing.T) {
	runner := &fakeRunner{
		report: &Report{},
		exec:   ExecResult{Stdout: "full standard output"},
	}
	g := NewGateway(runner)
	bundle := testBundle(t)

	if _, err := g.Run(context.Background(), bundle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(bundle.OutputDir, "logs", "stdout.log"))
	if err != nil {
		t.Fatalf("expected stdout log: %v", err)
	}
	if string(data) != "full standard output" {
		t.Errorf("unexpected log content: %q", data)
	}
}

func TestGateway_CheckDeterminism_OK(t *testing.T) {
	runner := &fakeRunner{
		report: &Report{Metrics: map[string]float64{"sharpe": 1.2, "drawdown": 0.1}},
	}
	g := NewGateway(runner)

	check, err := g.CheckDeterminism(context.Background(), testBundle(t), 2, 1e-9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !check.OK || len(check.Diffs) != 0 {
		t.Errorf("expected deterministic result, got %+v", check)
	}
}

func TestGateway_CheckDeterminism_Divergence(t *testing.T) {
	runner := &fakeRunner{
		perRun: []*Report{
			{Metrics: map[string]float64{"sharpe": 1.2}},
			{Metrics: map[string]float64{"sharpe": 1.5}},
		},
	}
	g := NewGateway(runner)

	check, err := g.CheckDeterminism(context.Background(), testBundle(t), 2, 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if check.OK {
		t.Error("expected divergence")
	}
	if len(check.Diffs) != 1 || check.Diffs[0].Metric != "sharpe" {
		t.Errorf("unexpected diffs: %+v", check.Diffs)
	}
}

func TestDockerRunner_Args(t *testing.T) {
	r := NewDockerRunner(DockerConfig{})
	bundle := Bundle{
		StrategyFile: "/tmp/strategy.py",
		TestFiles:    []string{"/tmp/test_basic.py"},
		Fixtures:     []string{"/tmp/ohlc.csv"},
		OutputDir:    "/tmp/out",
		Timeout:      30 * time.Second,
		Seed:         7,
	}

	args := strings.Join(r.args(bundle), " ")
	for _, want := range []string{
		"--rm",
		"--network none",
		"--memory 1g",
		"--cpus 0.5",
		"--user nobody",
		"/tmp/strategy.py:/work/strategy.py:ro",
		"/tmp/out:/out",
		"SANDBOX_SEED=7",
		"SANDBOX_TIMEOUT_S=30",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("docker args missing %q:\n%s", want, args)
		}
	}
}

func TestGateway_InvalidBundle(t *testing.T) {
	g := NewGateway(&fakeRunner{})
	if _, err := g.Run(context.Background(), Bundle{}); err == nil {
		t.Fatal("expected error for empty bundle")
	}
	if _, err := g.Run(context.Background(), Bundle{StrategyFile: "x", OutputDir: "y"}); err == nil {
		t.Fatal("expected error for missing timeout")
	}
}
