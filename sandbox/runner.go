package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// Runner executes a staged bundle and reports the raw process outcome.
// Classification happens in the Gateway, so runners stay transport-only.
type Runner interface {
	Exec(ctx context.Context, bundle Bundle) (*ExecResult, error)
}

// DockerConfig controls the containerized runner.
type DockerConfig struct {
	// Image is the sandbox image; it must contain the test harness.
	Image string `yaml:"image"`
	// Memory and CPUs bound the container's resources.
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
	// User is the in-container user; never root.
	User string `yaml:"user"`
	// Command is the harness entrypoint, run with the bundle mounted at
	// /work and the output directory at /out.
	Command []string `yaml:"command"`
}

// DefaultDockerConfig returns the resource limits the engine guarantees:
// no network, 1 GB memory, half a core, unprivileged user.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:   "conductor-sandbox:latest",
		Memory:  "1g",
		CPUs:    "0.5",
		User:    "nobody",
		Command: []string{"python", "/opt/harness/run.py"},
	}
}

// DockerRunner executes bundles in ephemeral containers via the docker CLI.
type DockerRunner struct {
	cfg DockerConfig
}

// NewDockerRunner creates a runner from config, filling zero fields from the
// defaults.
func NewDockerRunner(cfg DockerConfig) *DockerRunner {
	def := DefaultDockerConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Memory == "" {
		cfg.Memory = def.Memory
	}
	if cfg.CPUs == "" {
		cfg.CPUs = def.CPUs
	}
	if cfg.User == "" {
		cfg.User = def.User
	}
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	return &DockerRunner{cfg: cfg}
}

// args builds the docker invocation for a bundle. Split out so the argument
// shape is testable without docker.
func (r *DockerRunner) args(bundle Bundle) []string {
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--memory", r.cfg.Memory,
		"--cpus", r.cfg.CPUs,
		"--user", r.cfg.User,
		"-v", fmt.Sprintf("%s:/work/strategy%s:ro", bundle.StrategyFile, filepath.Ext(bundle.StrategyFile)),
	}
	for i, test := range bundle.TestFiles {
		args = append(args, "-v", fmt.Sprintf("%s:/work/tests/test_%d%s:ro", test, i, filepath.Ext(test)))
	}
	for _, fixture := range bundle.Fixtures {
		args = append(args, "-v", fmt.Sprintf("%s:/work/fixtures/%s:ro", fixture, filepath.Base(fixture)))
	}
	args = append(args,
		"-v", bundle.OutputDir+":/out",
		"-e", fmt.Sprintf("SANDBOX_SEED=%d", bundle.Seed),
		"-e", fmt.Sprintf("SANDBOX_TIMEOUT_S=%d", int(bundle.Timeout.Seconds())),
		r.cfg.Image,
	)
	return append(args, r.cfg.Command...)
}

// Exec runs the bundle in a container. The context carries the wall-clock
// budget; expiry kills the container and reports TimedOut.
func (r *DockerRunner) Exec(ctx context.Context, bundle Bundle) (*ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, bundle.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "docker", r.args(bundle)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case result.TimedOut:
		result.ExitCode = -1
	default:
		return nil, fmt.Errorf("docker run: %w", err)
	}
	return result, nil
}

// LocalRunner executes the configured command directly on the host. It gives
// none of the container isolation guarantees and exists for tests and local
// development only.
type LocalRunner struct {
	// Command is executed with the bundle described in environment
	// variables (SANDBOX_STRATEGY, SANDBOX_OUTPUT, SANDBOX_SEED).
	Command []string
}

// Exec runs the command with the bundle's timeout.
func (r *LocalRunner) Exec(ctx context.Context, bundle Bundle) (*ExecResult, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("local runner has no command")
	}

	runCtx, cancel := context.WithTimeout(ctx, bundle.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.Command[0], r.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"SANDBOX_STRATEGY="+bundle.StrategyFile,
		"SANDBOX_OUTPUT="+bundle.OutputDir,
		fmt.Sprintf("SANDBOX_SEED=%d", bundle.Seed),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case result.TimedOut:
		result.ExitCode = -1
	default:
		return nil, fmt.Errorf("exec: %w", err)
	}
	return result, nil
}
