package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/conductor/sandbox"
	"github.com/c360studio/conductor/workflow"
)

// Metadata keys the validator reads from a dispatch.
const (
	// MetaTestFiles is a comma-separated list of test file paths.
	MetaTestFiles = "test_files"
	// MetaSeed overrides the default sandbox seed.
	MetaSeed = "seed"
)

// Validator runs a task's deliverable through the sandbox gateway and reports
// test outcomes.
type Validator struct {
	gateway    *sandbox.Gateway
	outputRoot string
	seed       int64
	logger     *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorSeed sets the default sandbox seed.
func WithValidatorSeed(seed int64) ValidatorOption {
	return func(v *Validator) { v.seed = seed }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates the sandbox-backed validate adapter. outputRoot
// receives one directory per (workflow, task, attempt).
func NewValidator(gateway *sandbox.Gateway, outputRoot string, opts ...ValidatorOption) (*Validator, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if outputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}
	v := &Validator{
		gateway:    gateway,
		outputRoot: outputRoot,
		seed:       42,
		logger:     slog.Default().With("component", "worker.validate"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// HandleDispatch executes the bundle and maps the sandbox classification onto
// test.passed / test.failed.
func (v *Validator) HandleDispatch(ctx context.Context, p workflow.DispatchPayload) (workflow.ResultPayload, error) {
	if len(p.ArtifactPaths) == 0 {
		return workflow.ResultPayload{
			Outcome: workflow.OutcomeTestFailed,
			Error:   "nothing to validate: no input artifacts",
		}, nil
	}

	bundle := sandbox.Bundle{
		StrategyFile: p.ArtifactPaths[0],
		TestFiles:    splitList(p.Metadata[MetaTestFiles]),
		Fixtures:     p.FixturePaths,
		OutputDir: filepath.Join(v.outputRoot, p.WorkflowID, p.TaskID,
			fmt.Sprintf("attempt-%d", p.Attempt)),
		Timeout: bundleTimeout(p.Acceptance),
		Seed:    v.seed,
	}

	result, err := v.gateway.Run(ctx, bundle)
	if err != nil {
		return workflow.ResultPayload{}, fmt.Errorf("sandbox run: %w", err)
	}

	res := workflow.ResultPayload{
		Artifacts:  result.Artifacts,
		Metrics:    result.Metrics,
		Failures:   result.Failures,
		Stderr:     result.Stderr,
		LogsPath:   result.LogsPath,
		ReportPath: result.ReportPath,
		TimedOut:   result.TimedOut,
	}
	if result.OK() {
		res.Outcome = workflow.OutcomeTestPassed
	} else {
		res.Outcome = workflow.OutcomeTestFailed
		res.Error = fmt.Sprintf("sandbox verdict: %s", result.Status)
	}

	v.logger.Info("validation finished",
		"workflow_id", p.WorkflowID, "task_id", p.TaskID,
		"status", result.Status, "duration", result.Duration)
	return res, nil
}

// bundleTimeout takes the largest acceptance timeout, falling back to the
// per-check default.
func bundleTimeout(checks []workflow.AcceptanceCheck) time.Duration {
	var max time.Duration
	for _, c := range checks {
		if t := c.Timeout(); t > max {
			max = t
		}
	}
	if max == 0 {
		max = workflow.AcceptanceCheck{}.Timeout()
	}
	return max
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
