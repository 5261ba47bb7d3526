// Package artifact versions task outputs in a git-backed store. Every commit
// lands on a branch derived from the workflow and task identity, carries a
// correlation tag, and is indexed by a metadata sidecar committed alongside
// the files.
package artifact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/c360studio/conductor/event"
)

// Config controls store behavior.
type Config struct {
	// RepoRoot is the working tree the store manages.
	RepoRoot string `yaml:"repo_root"`
	// BranchPrefix namespaces artifact branches (<prefix>/<workflow>/<task>).
	BranchPrefix string `yaml:"branch_prefix"`
	// OutputRoot is the directory inside the repo that holds artifact
	// bundles, one subdirectory per task.
	OutputRoot string `yaml:"output_root"`
	// AutoPush pushes each branch to Remote after committing.
	AutoPush bool `yaml:"auto_push"`
	// Remote names the push target.
	Remote string `yaml:"remote"`
	// ScanSecrets toggles the pre-commit secret scan.
	ScanSecrets bool `yaml:"scan_secrets"`
	// ScanInclude and ScanExclude are doublestar globs for the scanner.
	ScanInclude []string `yaml:"scan_include"`
	ScanExclude []string `yaml:"scan_exclude"`
	// AuthorName and AuthorEmail form the fixed commit identity.
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// DefaultConfig returns the standard store configuration.
func DefaultConfig() Config {
	return Config{
		BranchPrefix: "conductor",
		OutputRoot:   "artifacts",
		Remote:       "origin",
		ScanSecrets:  true,
		AuthorName:   "Conductor",
		AuthorEmail:  "conductor@local",
	}
}

// Validate checks the configuration for required fields.
func (c Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.BranchPrefix == "" {
		return fmt.Errorf("branch_prefix is required")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output_root is required")
	}
	if c.AutoPush && c.Remote == "" {
		return fmt.Errorf("remote is required when auto_push is enabled")
	}
	return nil
}

// Metadata is the sidecar record committed next to every artifact bundle.
// Queries read these sidecars from branch trees, never commit messages.
type Metadata struct {
	WorkflowID    string            `json:"workflow_id"`
	TaskID        string            `json:"task_id"`
	CorrelationID string            `json:"correlation_id"`
	PromptHash    string            `json:"prompt_hash,omitempty"`
	Branch        string            `json:"branch"`
	RevisionID    string            `json:"revision_id"`
	CommittedAt   time.Time         `json:"committed_at"`
	Files         []string          `json:"files"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// CommitInput names the files and identity for one artifact commit.
type CommitInput struct {
	WorkflowID    string
	TaskID        string
	CorrelationID string
	// Files are source paths outside the repo; they are copied under
	// OutputRoot/<task_id>/ keeping their base names.
	Files []string
	// PromptHash, when set, adds a prompt_<hash> tag to the revision.
	PromptHash string
	Extra      map[string]string
}

// CommitResult reports where the bundle landed. Pushed is false with a
// non-empty PushError when the local commit succeeded but the push did not.
type CommitResult struct {
	Branch     string
	RevisionID string
	Tags       []string
	Pushed     bool
	PushError  string
}

// Store is a git-backed artifact store. Commit and Revert serialize on an
// internal mutex because they move the working tree between branches.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	repo    *repo
	scanner *Scanner
	logger  *slog.Logger
	bus     event.Bus
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithBus attaches an event bus; the store then publishes artifact.committed
// events on the artifacts channel.
func WithBus(bus event.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// NewStore creates a store over cfg.RepoRoot, initializing the repository if
// needed.
func NewStore(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact config: %w", err)
	}

	s := &Store{
		cfg: cfg,
		repo: &repo{
			root:        cfg.RepoRoot,
			authorName:  cfg.AuthorName,
			authorEmail: cfg.AuthorEmail,
		},
		scanner: NewScanner(cfg.ScanInclude, cfg.ScanExclude),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "artifact-store")

	if err := os.MkdirAll(cfg.RepoRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create repo root: %w", err)
	}
	if err := s.repo.ensureInit(ctx); err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	return s, nil
}

// PromptHash returns the hex BLAKE3 digest of a prompt, suitable for a
// prompt_<hash> tag.
func PromptHash(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// branchName derives the deterministic branch for a workflow/task pair.
func (s *Store) branchName(workflowID, taskID string) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.BranchPrefix, workflowID, taskID)
}

// Commit scans, copies, commits, and tags one artifact bundle. The secret
// scan runs before anything touches the repository; on a scan hit nothing is
// written and the returned error unwraps to *SecretError.
func (s *Store) Commit(ctx context.Context, in CommitInput) (*CommitResult, error) {
	if in.WorkflowID == "" || in.TaskID == "" {
		return nil, fmt.Errorf("workflow_id and task_id are required")
	}
	if in.CorrelationID == "" {
		return nil, fmt.Errorf("correlation_id is required")
	}
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("no files to commit")
	}

	if s.cfg.ScanSecrets {
		if err := s.scanner.ScanAll(in.Files); err != nil {
			s.logger.Warn("secret scan rejected commit",
				"workflow_id", in.WorkflowID,
				"task_id", in.TaskID,
				"error", err)
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	branch := s.branchName(in.WorkflowID, in.TaskID)
	if err := s.repo.checkoutBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", branch, err)
	}

	taskDir := filepath.Join(s.cfg.OutputRoot, in.TaskID)
	absTaskDir := filepath.Join(s.cfg.RepoRoot, taskDir)
	if err := os.MkdirAll(absTaskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", taskDir, err)
	}

	var copied []string
	for _, src := range in.Files {
		dst := filepath.Join(absTaskDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
		copied = append(copied, filepath.ToSlash(filepath.Join(taskDir, filepath.Base(src))))
	}

	meta := Metadata{
		WorkflowID:    in.WorkflowID,
		TaskID:        in.TaskID,
		CorrelationID: in.CorrelationID,
		PromptHash:    in.PromptHash,
		Branch:        branch,
		CommittedAt:   time.Now().UTC(),
		Files:         copied,
		Extra:         in.Extra,
	}
	if err := s.writeSidecar(absTaskDir, meta); err != nil {
		return nil, err
	}

	if _, err := s.repo.run(ctx, "add", taskDir); err != nil {
		return nil, fmt.Errorf("stage %s: %w", taskDir, err)
	}

	msg := fmt.Sprintf("feat(%s): artifacts for workflow %s", in.TaskID, in.WorkflowID)
	if _, err := s.repo.run(ctx, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	rev, err := s.repo.head(ctx)
	if err != nil {
		return nil, err
	}

	// The sidecar records its own revision; amend it in.
	meta.RevisionID = rev
	if err := s.writeSidecar(absTaskDir, meta); err != nil {
		return nil, err
	}
	if _, err := s.repo.run(ctx, "add", taskDir); err != nil {
		return nil, err
	}
	if _, err := s.repo.run(ctx, "commit", "--amend", "--no-edit"); err != nil {
		return nil, fmt.Errorf("amend sidecar: %w", err)
	}
	if rev, err = s.repo.head(ctx); err != nil {
		return nil, err
	}
	meta.RevisionID = rev

	tags := []string{corrTag(in.CorrelationID, rev)}
	if in.PromptHash != "" {
		tags = append(tags, "prompt_"+in.PromptHash)
	}
	for _, tag := range tags {
		if _, err := s.repo.run(ctx, "tag", "-f", tag, rev); err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag, err)
		}
	}

	result := &CommitResult{Branch: branch, RevisionID: rev, Tags: tags}

	if s.cfg.AutoPush {
		if _, err := s.repo.run(ctx, "push", "--force-with-lease", s.cfg.Remote, branch, "--tags"); err != nil {
			// Push failure never undoes the local commit.
			result.PushError = err.Error()
			s.logger.Warn("artifact push failed",
				"branch", branch,
				"remote", s.cfg.Remote,
				"error", err)
		} else {
			result.Pushed = true
		}
	}

	s.logger.Info("artifacts committed",
		"workflow_id", in.WorkflowID,
		"task_id", in.TaskID,
		"branch", branch,
		"revision", rev,
		"files", len(copied),
		"pushed", result.Pushed)

	s.publishCommitted(ctx, meta)
	return result, nil
}

// Revert moves targetBranch to match the tree a tag points at, producing a
// fresh revision. The tagged commit itself is left untouched.
func (s *Store) Revert(ctx context.Context, tag, targetBranch string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, err := s.repo.resolveTag(ctx, tag)
	if err != nil {
		return "", err
	}

	if !s.repo.branchExists(ctx, targetBranch) {
		if _, err := s.repo.run(ctx, "branch", targetBranch, rev); err != nil {
			return "", fmt.Errorf("create %s: %w", targetBranch, err)
		}
	}
	if _, err := s.repo.run(ctx, "checkout", targetBranch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", targetBranch, err)
	}
	if _, err := s.repo.run(ctx, "restore", "--source", rev, "--staged", "--worktree", "."); err != nil {
		return "", fmt.Errorf("restore tree from %s: %w", tag, err)
	}

	msg := fmt.Sprintf("revert: restore tree from tag %s", tag)
	if _, err := s.repo.run(ctx, "commit", "--allow-empty", "-m", msg); err != nil {
		return "", fmt.Errorf("commit revert: %w", err)
	}

	newRev, err := s.repo.head(ctx)
	if err != nil {
		return "", err
	}
	s.logger.Info("reverted branch to tag",
		"branch", targetBranch,
		"tag", tag,
		"revision", newRev)
	return newRev, nil
}

// List returns sidecar metadata for committed bundles, newest first. A
// non-empty workflowID restricts results to that workflow's branches.
func (s *Store) List(ctx context.Context, workflowID string, limit int) ([]Metadata, error) {
	glob := s.cfg.BranchPrefix + "/*/*"
	if workflowID != "" {
		glob = s.cfg.BranchPrefix + "/" + workflowID + "/*"
	}

	branches, err := s.repo.branches(ctx, glob)
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for _, branch := range branches {
		meta, err := s.readSidecar(ctx, branch)
		if err != nil {
			s.logger.Warn("skipping branch with unreadable sidecar",
				"branch", branch,
				"error", err)
			continue
		}
		out = append(out, *meta)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CommittedAt.After(out[j].CommittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByCorrelation returns the metadata whose correlation_id matches, or
// nil when no bundle carries it.
func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) (*Metadata, error) {
	all, err := s.List(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].CorrelationID == correlationID {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (s *Store) writeSidecar(absTaskDir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	path := filepath.Join(absTaskDir, "metadata.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write metadata sidecar: %w", err)
	}
	return nil
}

// readSidecar loads the metadata sidecar from a branch tip's tree.
func (s *Store) readSidecar(ctx context.Context, branch string) (*Metadata, error) {
	taskID := branch[strings.LastIndex(branch, "/")+1:]
	path := filepath.ToSlash(filepath.Join(s.cfg.OutputRoot, taskID, "metadata.json"))

	data, err := s.repo.showFile(ctx, branch, path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode sidecar on %s: %w", branch, err)
	}
	return &meta, nil
}

func (s *Store) publishCommitted(ctx context.Context, meta Metadata) {
	if s.bus == nil {
		return
	}
	ev, err := event.New(event.TypeArtifactCommitted, "artifact-store", meta.CorrelationID, meta)
	if err != nil {
		s.logger.Warn("failed to build artifact event", "error", err)
		return
	}
	ev.WorkflowID = meta.WorkflowID
	ev.TaskID = meta.TaskID
	if err := s.bus.Publish(ctx, event.ChannelArtifacts, ev); err != nil {
		s.logger.Warn("failed to publish artifact event", "error", err)
	}
}

// corrTag builds the correlation tag name. The revision suffix keeps tags
// unique when one correlation spans several task commits.
func corrTag(correlationID, rev string) string {
	short := rev
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("corr_%s_%s", correlationID, short)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
