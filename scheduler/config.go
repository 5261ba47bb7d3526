package scheduler

import (
	"fmt"
	"time"
)

// Config controls scheduler behavior.
type Config struct {
	// MaxBranchDepth caps recursive repair branches per task chain.
	MaxBranchDepth int `yaml:"max_branch_depth"`

	// WorkerPoolSize bounds parallel task dispatches.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// RetryBackoffBase is the delay before the first retry of a failed
	// attempt; it doubles per attempt.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// AckTimeout bounds the wait for a worker acknowledgment before the
	// dispatch itself counts as the start of the task timeout window.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// DefaultConfig returns the standard scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxBranchDepth:   2,
		WorkerPoolSize:   4,
		RetryBackoffBase: time.Second,
		AckTimeout:       10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBranchDepth < 0 {
		return fmt.Errorf("max_branch_depth must be >= 0")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be >= 1")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry_backoff_base must be positive")
	}
	return nil
}
