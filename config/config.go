// Package config is the deployment-facing configuration surface. Values load
// from a single YAML file over the compiled defaults, then map onto the
// per-package configs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/conductor/artifact"
	"github.com/c360studio/conductor/router"
	"github.com/c360studio/conductor/sandbox"
	"github.com/c360studio/conductor/scheduler"
)

// Bus transports.
const (
	TransportInMemory = "in-memory"
	TransportRemote   = "remote"
)

// Config is the full recognized option surface.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Bus       BusConfig       `yaml:"bus"`
	State     StateConfig     `yaml:"state"`
}

// RouterConfig selects between the multi-key router and the direct
// single-key client, and tunes the retry policy.
type RouterConfig struct {
	// Enabled routes completions through the multi-key router. Disabled is
	// the rollback path: a direct single-credential client.
	Enabled bool `yaml:"enabled"`

	MaxRetries       int `yaml:"max_retries"`
	BaseBackoffMS    int `yaml:"base_backoff_ms"`
	DefaultCooldownS int `yaml:"default_cooldown_s"`

	// CredentialsFile is the YAML credential inventory; secrets themselves
	// come from the secret source, never this file.
	CredentialsFile string `yaml:"credentials_file"`

	// SecretEnvPrefix is the environment prefix for the env secret source.
	SecretEnvPrefix string `yaml:"secret_env_prefix"`
}

// RetryConfig maps the file options onto the router's retry policy, keeping
// package defaults for anything unset.
func (c RouterConfig) RetryConfig() router.RetryConfig {
	rc := router.DefaultRetryConfig()
	if c.MaxRetries > 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.BaseBackoffMS > 0 {
		rc.BackoffBase = time.Duration(c.BaseBackoffMS) * time.Millisecond
	}
	if c.DefaultCooldownS > 0 {
		rc.DefaultCooldown = time.Duration(c.DefaultCooldownS) * time.Second
	}
	return rc
}

// SchedulerConfig tunes the workflow engine.
type SchedulerConfig struct {
	MaxBranchDepth int `yaml:"max_branch_depth"`
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// SchedulerConfig maps onto the scheduler package config.
func (c SchedulerConfig) SchedulerConfig() scheduler.Config {
	sc := scheduler.DefaultConfig()
	if c.MaxBranchDepth >= 0 {
		sc.MaxBranchDepth = c.MaxBranchDepth
	}
	if c.WorkerPoolSize > 0 {
		sc.WorkerPoolSize = c.WorkerPoolSize
	}
	return sc
}

// SandboxConfig caps sandbox resources.
type SandboxConfig struct {
	Image    string `yaml:"image"`
	MemLimit string `yaml:"mem_limit"`
	CPULimit string `yaml:"cpu_limit"`
	TimeoutS int    `yaml:"timeout_s"`
}

// DockerConfig maps onto the docker runner config.
func (c SandboxConfig) DockerConfig() sandbox.DockerConfig {
	dc := sandbox.DefaultDockerConfig()
	if c.Image != "" {
		dc.Image = c.Image
	}
	if c.MemLimit != "" {
		dc.Memory = c.MemLimit
	}
	if c.CPULimit != "" {
		dc.CPUs = c.CPULimit
	}
	return dc
}

// Timeout returns the default sandbox wall-clock budget.
func (c SandboxConfig) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutS) * time.Second
}

// ArtifactConfig controls commit-time behavior.
type ArtifactConfig struct {
	RepoRoot     string `yaml:"repo_root"`
	BranchPrefix string `yaml:"branch_prefix"`
	AutoPush     bool   `yaml:"auto_push"`
	Remote       string `yaml:"remote"`
	ScanSecrets  bool   `yaml:"scan_secrets"`
}

// StoreConfig maps onto the artifact store config.
func (c ArtifactConfig) StoreConfig() artifact.Config {
	ac := artifact.DefaultConfig()
	ac.RepoRoot = c.RepoRoot
	ac.AutoPush = c.AutoPush
	ac.ScanSecrets = c.ScanSecrets
	if c.BranchPrefix != "" {
		ac.BranchPrefix = c.BranchPrefix
	}
	if c.Remote != "" {
		ac.Remote = c.Remote
	}
	return ac
}

// BusConfig selects the event transport.
type BusConfig struct {
	Transport string `yaml:"transport"`
	RedisAddr string `yaml:"redis_addr"`
}

// StateConfig selects workflow persistence. An empty path keeps state in
// memory.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Router: RouterConfig{
			Enabled:         true,
			SecretEnvPrefix: "CONDUCTOR_KEY_",
		},
		Scheduler: SchedulerConfig{
			MaxBranchDepth: 2,
			WorkerPoolSize: 4,
		},
		Sandbox: SandboxConfig{
			MemLimit: "1g",
			CPULimit: "0.5",
			TimeoutS: 60,
		},
		Artifact: ArtifactConfig{
			BranchPrefix: "conductor",
			ScanSecrets:  true,
		},
		Bus: BusConfig{
			Transport: TransportInMemory,
		},
	}
}

// Load reads the YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Bus.Transport {
	case TransportInMemory:
	case TransportRemote:
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required for the remote transport")
		}
	default:
		return fmt.Errorf("bus.transport must be %q or %q, got %q",
			TransportInMemory, TransportRemote, c.Bus.Transport)
	}

	if c.Router.Enabled && c.Router.CredentialsFile == "" {
		return fmt.Errorf("router.credentials_file is required when the router is enabled")
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries must be >= 0")
	}
	if c.Scheduler.MaxBranchDepth < 0 {
		return fmt.Errorf("scheduler.max_branch_depth must be >= 0")
	}
	if c.Scheduler.WorkerPoolSize < 1 {
		return fmt.Errorf("scheduler.worker_pool_size must be >= 1")
	}
	if c.Sandbox.TimeoutS < 1 {
		return fmt.Errorf("sandbox.timeout_s must be >= 1")
	}
	return nil
}
