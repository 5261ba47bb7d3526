package router

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/conductor/ratelimit"
)

// Credentials is an atomically swappable credential set. Readers always see
// a consistent snapshot; reloads replace the whole set at once.
type Credentials struct {
	current atomic.Pointer[[]Credential]
}

// NewCredentials creates a set from an initial slice.
func NewCredentials(creds []Credential) (*Credentials, error) {
	c := &Credentials{}
	if err := c.Replace(creds); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates and atomically installs a new credential set.
func (c *Credentials) Replace(creds []Credential) error {
	seen := make(map[string]bool, len(creds))
	for i, cred := range creds {
		if cred.KeyID == "" {
			return fmt.Errorf("credential %d: key_id is required", i)
		}
		if seen[cred.KeyID] {
			return fmt.Errorf("duplicate key_id %s", cred.KeyID)
		}
		seen[cred.KeyID] = true
		if cred.Provider == "" {
			return fmt.Errorf("credential %s: provider is required", cred.KeyID)
		}
		if cred.Workload != "" && tierRank(cred.Workload) > 2 {
			return fmt.Errorf("credential %s: unknown workload %q", cred.KeyID, cred.Workload)
		}
	}
	snapshot := make([]Credential, len(creds))
	copy(snapshot, creds)
	c.current.Store(&snapshot)
	return nil
}

// Snapshot returns the current credential set. The slice must not be
// mutated.
func (c *Credentials) Snapshot() []Credential {
	p := c.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Get looks up one credential by key_id.
func (c *Credentials) Get(keyID string) (Credential, bool) {
	for _, cred := range c.Snapshot() {
		if cred.KeyID == keyID {
			return cred, true
		}
	}
	return Credential{}, false
}

// RegisterLimits pushes every credential's budgets into a rate-limit store.
func (c *Credentials) RegisterLimits(store ratelimit.Store) {
	for _, cred := range c.Snapshot() {
		store.SetLimits(cred.KeyID, ratelimit.Limits{
			RPM:   cred.RPMLimit,
			TPM:   cred.TPMLimit,
			Daily: cred.DailyLimit,
		})
	}
}

// credentialsFile is the on-disk shape of a credential set.
type credentialsFile struct {
	Credentials []Credential `yaml:"credentials"`
}

// LoadCredentialsFile parses a YAML credential file.
func LoadCredentialsFile(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if len(file.Credentials) == 0 {
		return nil, fmt.Errorf("credentials file %s defines no credentials", path)
	}
	return file.Credentials, nil
}

// WatchCredentialsFile reloads the set whenever the file changes, until the
// returned stop function is called. A reload that fails validation keeps the
// previous set and logs the error; budgets of new keys are registered with
// the store on each successful reload.
func WatchCredentialsFile(path string, creds *Credentials, store ratelimit.Store, logger *slog.Logger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				loaded, err := LoadCredentialsFile(path)
				if err != nil {
					logger.Warn("credential reload failed, keeping previous set",
						"path", path, "error", err)
					continue
				}
				if err := creds.Replace(loaded); err != nil {
					logger.Warn("credential reload rejected, keeping previous set",
						"path", path, "error", err)
					continue
				}
				if store != nil {
					creds.RegisterLimits(store)
				}
				logger.Info("credentials reloaded", "path", path, "count", len(loaded))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("credential watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
