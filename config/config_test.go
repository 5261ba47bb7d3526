package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
router:
  enabled: true
  max_retries: 5
  base_backoff_ms: 250
  default_cooldown_s: 10
  credentials_file: /etc/conductor/credentials.yaml
scheduler:
  max_branch_depth: 1
  worker_pool_size: 8
sandbox:
  mem_limit: 2g
  timeout_s: 30
artifact:
  repo_root: /var/lib/conductor/artifacts
  auto_push: true
bus:
  transport: remote
  redis_addr: localhost:6379
state:
  path: /var/lib/conductor/state.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	rc := cfg.Router.RetryConfig()
	require.Equal(t, 5, rc.MaxRetries)
	require.Equal(t, 250*time.Millisecond, rc.BackoffBase)
	require.Equal(t, 10*time.Second, rc.DefaultCooldown)

	sc := cfg.Scheduler.SchedulerConfig()
	require.Equal(t, 1, sc.MaxBranchDepth)
	require.Equal(t, 8, sc.WorkerPoolSize)

	dc := cfg.Sandbox.DockerConfig()
	require.Equal(t, "2g", dc.Memory)
	require.Equal(t, "0.5", dc.CPUs)
	require.Equal(t, 30*time.Second, cfg.Sandbox.Timeout())

	ac := cfg.Artifact.StoreConfig()
	require.True(t, ac.AutoPush)
	require.Equal(t, "conductor", ac.BranchPrefix)
	require.True(t, ac.ScanSecrets)

	require.Equal(t, TransportRemote, cfg.Bus.Transport)
	require.Equal(t, "/var/lib/conductor/state.db", cfg.State.Path)
}

func TestLoad_MissingKeysKeepDefaults(t *testing.T) {
	path := writeConfig(t, `
router:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.False(t, cfg.Router.Enabled)
	require.Equal(t, 2, cfg.Scheduler.MaxBranchDepth)
	require.Equal(t, 4, cfg.Scheduler.WorkerPoolSize)
	require.Equal(t, TransportInMemory, cfg.Bus.Transport)
	require.True(t, cfg.Artifact.ScanSecrets)
}

func TestLoad_ExplicitFalseOverridesDefaultTrue(t *testing.T) {
	path := writeConfig(t, `
router:
  enabled: false
artifact:
  scan_secrets: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Artifact.ScanSecrets)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Bus.Transport = "carrier-pigeon" }},
		{"remote without addr", func(c *Config) { c.Bus.Transport = TransportRemote }},
		{"router without credentials", func(c *Config) {
			c.Router.Enabled = true
			c.Router.CredentialsFile = ""
		}},
		{"zero pool", func(c *Config) { c.Scheduler.WorkerPoolSize = 0 }},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.TimeoutS = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Router.Enabled = false
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
