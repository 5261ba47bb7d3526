package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/c360studio/conductor/artifact"
	"github.com/c360studio/conductor/router"
	"github.com/c360studio/conductor/workflow"
)

// Completer is the slice of the request router the LLM adapters need.
type Completer interface {
	Complete(ctx context.Context, req router.Request) (*router.Response, error)
}

// Role system prompts. The implementer prompt carries the mandatory
// performance constraints; generated code that violates them times out in the
// sandbox and burns a repair branch.
const (
	designPrompt = `You are a senior quantitative designer. Produce a precise,
testable specification for the requested component: inputs, outputs, parameter
ranges, and acceptance criteria. Respond in markdown.`

	implementPrompt = `You are a senior Python engineer writing code that runs in
a restricted sandbox. Mandatory constraints:
- Execution must finish in under 10 seconds.
- Every loop has an explicit MAX_ITERATIONS cap and a break condition.
- Prefer vectorized operations over row-wise iteration.
- The sandbox has no network access; read only injected fixture files.
- Pass an explicit timeout to any I/O call.
- Stay within the sandbox memory budget; cap dataset sizes.
Respond with a single fenced python code block and nothing else.`

	repairPrompt = `You are debugging a failing component. You receive the
failure class, failing tests, and a stack excerpt. Produce a corrected version
that preserves the public interface. Respond with a single fenced python code
block and nothing else.`
)

// fencedBlockRe extracts the first fenced code block from a completion.
var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n(.*?)```")

// LLMConfig controls one LLM-backed role adapter.
type LLMConfig struct {
	Model     string
	Tier      string
	MaxTokens int
	// WorkDir receives generated files before they are committed.
	WorkDir string
}

// LLMAdapter turns a dispatch into a model completion and commits the
// generated file to the artifact store when one is attached.
type LLMAdapter struct {
	role      string
	cfg       LLMConfig
	completer Completer
	store     *artifact.Store
	logger    *slog.Logger
}

// LLMOption configures an LLMAdapter.
type LLMOption func(*LLMAdapter)

// WithArtifactStore attaches the artifact store; generated files are then
// committed and the result carries repository paths.
func WithArtifactStore(s *artifact.Store) LLMOption {
	return func(a *LLMAdapter) { a.store = s }
}

// WithLLMLogger sets the logger.
func WithLLMLogger(l *slog.Logger) LLMOption {
	return func(a *LLMAdapter) { a.logger = l }
}

// NewLLMAdapter creates an adapter for one of the LLM-backed roles.
func NewLLMAdapter(role string, completer Completer, cfg LLMConfig, opts ...LLMOption) (*LLMAdapter, error) {
	switch role {
	case workflow.RoleDesign, workflow.RoleImplement, workflow.RoleRepair:
	default:
		return nil, fmt.Errorf("role %q is not LLM-backed", role)
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}

	a := &LLMAdapter{
		role:      role,
		cfg:       cfg,
		completer: completer,
		logger:    slog.Default().With("component", "worker."+role),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *LLMAdapter) systemPrompt() string {
	switch a.role {
	case workflow.RoleDesign:
		return designPrompt
	case workflow.RoleRepair:
		return repairPrompt
	default:
		return implementPrompt
	}
}

// HandleDispatch completes the prompt, extracts the deliverable, writes it
// under WorkDir, and commits it when a store is attached.
func (a *LLMAdapter) HandleDispatch(ctx context.Context, p workflow.DispatchPayload) (workflow.ResultPayload, error) {
	prompt := a.buildUserPrompt(p)

	resp, err := a.completer.Complete(ctx, router.Request{
		Model:          a.cfg.Model,
		Tier:           a.cfg.Tier,
		ConversationID: p.WorkflowID + "/" + p.TaskID,
		MaxTokens:      a.cfg.MaxTokens,
		Messages: []router.Message{
			{Role: "system", Content: a.systemPrompt()},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		if router.IsSafetyBlocked(err) || router.IsFatal(err) {
			return workflow.ResultPayload{
				Outcome: workflow.OutcomeFailed,
				Error:   err.Error(),
			}, nil
		}
		return workflow.ResultPayload{}, fmt.Errorf("completion: %w", err)
	}

	content := extractDeliverable(resp.Content)
	path, err := a.writeDeliverable(p.TaskID, content)
	if err != nil {
		return workflow.ResultPayload{}, err
	}

	artifacts := []string{path}
	if a.store != nil {
		commit, err := a.store.Commit(ctx, artifact.CommitInput{
			WorkflowID:    p.WorkflowID,
			TaskID:        p.TaskID,
			CorrelationID: p.CorrelationID,
			Files:         []string{path},
			PromptHash:    artifact.PromptHash(prompt),
			Extra:         map[string]string{"role": a.role, "model": resp.ModelUsed},
		})
		if err != nil {
			return workflow.ResultPayload{}, fmt.Errorf("commit deliverable: %w", err)
		}
		a.logger.Info("deliverable committed",
			"task_id", p.TaskID, "branch", commit.Branch, "revision", commit.RevisionID)
	}

	return workflow.ResultPayload{
		Outcome:   workflow.OutcomeCompleted,
		Artifacts: artifacts,
	}, nil
}

func (a *LLMAdapter) buildUserPrompt(p workflow.DispatchPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", p.Title, p.Description)

	if p.FailureClass != "" {
		fmt.Fprintf(&b, "\nPrevious attempt failed with class: %s\n", p.FailureClass)
	}
	if p.FixHint != "" {
		fmt.Fprintf(&b, "Fix strategy: %s\n", p.FixHint)
	}
	if len(p.ArtifactPaths) > 0 {
		fmt.Fprintf(&b, "\nInput artifacts: %s\n", strings.Join(p.ArtifactPaths, ", "))
	}
	if len(p.FixturePaths) > 0 {
		fmt.Fprintf(&b, "Available fixtures: %s\n", strings.Join(p.FixturePaths, ", "))
	}
	for _, check := range p.Acceptance {
		fmt.Fprintf(&b, "Acceptance: %s\n", check.Cmd)
	}
	return b.String()
}

func (a *LLMAdapter) writeDeliverable(taskID, content string) (string, error) {
	name := "strategy.py"
	if a.role == workflow.RoleDesign {
		name = "design.md"
	}
	dir := filepath.Join(a.cfg.WorkDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write deliverable: %w", err)
	}
	return path, nil
}

// extractDeliverable unwraps the first fenced code block; prose-only replies
// are used verbatim.
func extractDeliverable(content string) string {
	if m := fencedBlockRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return strings.TrimSpace(content) + "\n"
}
