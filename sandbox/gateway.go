package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/c360studio/conductor/workflow"
)

// captureLimit bounds the stdout/stderr excerpt carried on results. Full
// streams go to the output directory.
const captureLimit = 4096

// Gateway stages bundles, delegates execution to a Runner, and classifies
// the outcome from the harness report.
type Gateway struct {
	runner Runner
	logger *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the structured logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// NewGateway wraps a runner.
func NewGateway(runner Runner, opts ...GatewayOption) *Gateway {
	g := &Gateway{runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "sandbox")
	return g
}

// Run executes one bundle and returns a classified result. Infrastructure
// faults come back as a sandbox-error result, not a Go error; the error
// return is reserved for invalid input.
func (g *Gateway) Run(ctx context.Context, bundle Bundle) (*Result, error) {
	if bundle.StrategyFile == "" {
		return nil, fmt.Errorf("strategy file is required")
	}
	if bundle.OutputDir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	if bundle.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if err := os.MkdirAll(bundle.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	exec, err := g.runner.Exec(ctx, bundle)
	if err != nil {
		g.logger.Error("sandbox execution fault", "error", err)
		return &Result{
			Status: StatusSandboxError,
			Failures: []workflow.Failure{
				{Kind: "infrastructure", Message: err.Error()},
			},
		}, nil
	}

	result := &Result{
		ExitCode:   exec.ExitCode,
		Duration:   exec.Duration,
		Stdout:     truncate(exec.Stdout, captureLimit),
		Stderr:     truncate(exec.Stderr, captureLimit),
		TimedOut:   exec.TimedOut,
		LogsPath:   filepath.Join(bundle.OutputDir, "logs"),
		ReportPath: filepath.Join(bundle.OutputDir, ReportFileName),
	}
	g.writeLogs(result.LogsPath, exec)

	if exec.TimedOut {
		result.Status = StatusTimeout
		result.LastLine = lastExecutedLine(exec.Stderr + "\n" + exec.Stdout)
		result.Failures = []workflow.Failure{{
			Kind:    workflow.BranchTimeout,
			Message: fmt.Sprintf("killed after %s", bundle.Timeout),
			Trace:   result.LastLine,
		}}
		g.logResult(bundle, result)
		return result, nil
	}

	report, err := parseReport(result.ReportPath)
	switch {
	case errors.Is(err, errMissingReport):
		result.Status = StatusSandboxError
		result.Failures = []workflow.Failure{{
			Kind:    "missing-report",
			Message: "harness produced no report file",
		}}
	case err != nil:
		result.Status = StatusSchemaInvalid
		result.Failures = []workflow.Failure{{
			Kind:    "schema-invalid",
			Message: err.Error(),
		}}
	default:
		result.Artifacts = report.Artifacts
		result.Metrics = report.Metrics
		result.Failures = failuresFromReport(report)
		switch {
		case anyStaticFailed(report):
			result.Status = StatusStaticFailed
		case anyTestFailed(report):
			result.Status = StatusTestFailed
		case report.ExitCode != 0 || exec.ExitCode != 0:
			result.Status = StatusSandboxError
			result.Failures = append(result.Failures, workflow.Failure{
				Kind:    "infrastructure",
				Message: fmt.Sprintf("nonzero exit %d with no failing tests", exec.ExitCode),
			})
		default:
			result.Status = StatusPassed
		}
	}

	g.logResult(bundle, result)
	return result, nil
}

func (g *Gateway) writeLogs(dir string, exec *ExecResult) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		g.logger.Warn("failed to create log dir", "dir", dir, "error", err)
		return
	}
	// Full captures; the result only carries truncated excerpts.
	_ = os.WriteFile(filepath.Join(dir, "stdout.log"), []byte(exec.Stdout), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "stderr.log"), []byte(exec.Stderr), 0o644)
}

func (g *Gateway) logResult(bundle Bundle, result *Result) {
	g.logger.Info("sandbox run classified",
		"strategy", bundle.StrategyFile,
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
		"failures", len(result.Failures))
}

// MetricDiff records one metric that diverged between determinism runs.
type MetricDiff struct {
	Metric string
	Values []float64
}

// DeterminismResult reports whether repeated seeded runs agree.
type DeterminismResult struct {
	OK    bool
	Diffs []MetricDiff
}

// CheckDeterminism runs the same bundle several times with an identical seed
// and compares report metrics within tolerance. Any run that does not pass
// fails the check outright.
func (g *Gateway) CheckDeterminism(ctx context.Context, bundle Bundle, runs int, tolerance float64) (*DeterminismResult, error) {
	if runs < 2 {
		runs = 2
	}

	baseOut := bundle.OutputDir
	collected := make([]map[string]float64, 0, runs)

	for i := 0; i < runs; i++ {
		run := bundle
		run.OutputDir = filepath.Join(baseOut, fmt.Sprintf("determinism-%d", i))

		result, err := g.Run(ctx, run)
		if err != nil {
			return nil, err
		}
		if !result.OK() {
			return &DeterminismResult{
				OK: false,
				Diffs: []MetricDiff{
					{Metric: "status", Values: nil},
				},
			}, fmt.Errorf("determinism run %d did not pass: %s", i, result.Status)
		}
		collected = append(collected, result.Metrics)
	}

	check := &DeterminismResult{OK: true}
	base := collected[0]
	for metric, baseVal := range base {
		values := []float64{baseVal}
		diverged := false
		for _, metrics := range collected[1:] {
			val, ok := metrics[metric]
			values = append(values, val)
			if !ok || math.Abs(val-baseVal) > tolerance {
				diverged = true
			}
		}
		if diverged {
			check.OK = false
			check.Diffs = append(check.Diffs, MetricDiff{Metric: metric, Values: values})
		}
	}
	return check, nil
}
