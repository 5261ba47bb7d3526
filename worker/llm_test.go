package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/router"
	"github.com/c360studio/conductor/workflow"
)

type stubCompleter struct {
	lastReq router.Request
	resp    *router.Response
	err     error
}

func (s *stubCompleter) Complete(_ context.Context, req router.Request) (*router.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestLLMAdapter_ExtractsFencedCodeAndWritesFile(t *testing.T) {
	completer := &stubCompleter{resp: &router.Response{
		Content:   "Here you go:\n```python\nMAX_ITERATIONS = 1000\nprint(\"ok\")\n```",
		ModelUsed: "m-large",
	}}

	workDir := t.TempDir()
	a, err := NewLLMAdapter(workflow.RoleImplement, completer, LLMConfig{
		Model: "m-large", Tier: router.TierMedium, WorkDir: workDir,
	})
	require.NoError(t, err)

	res, err := a.HandleDispatch(context.Background(), workflow.DispatchPayload{
		CorrelationID: "corr-1",
		WorkflowID:    "wf-1",
		TaskID:        "A",
		Attempt:       1,
		Role:          workflow.RoleImplement,
		Title:         "momentum signal",
		Description:   "Compute a rolling momentum signal.",
	})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeCompleted, res.Outcome)
	require.Len(t, res.Artifacts, 1)

	data, err := os.ReadFile(filepath.Join(workDir, "A", "strategy.py"))
	require.NoError(t, err)
	require.Equal(t, "MAX_ITERATIONS = 1000\nprint(\"ok\")\n", string(data))

	// Conversation threads per workflow/task so branch context survives.
	require.Equal(t, "wf-1/A", completer.lastReq.ConversationID)
	require.Equal(t, "system", completer.lastReq.Messages[0].Role)
}

func TestLLMAdapter_BranchContextReachesPrompt(t *testing.T) {
	completer := &stubCompleter{resp: &router.Response{Content: "```python\npass\n```"}}

	a, err := NewLLMAdapter(workflow.RoleRepair, completer, LLMConfig{
		Model: "m-large", Tier: router.TierMedium, WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = a.HandleDispatch(context.Background(), workflow.DispatchPayload{
		CorrelationID: "corr-1", WorkflowID: "wf-1", TaskID: "A_branch_1", Attempt: 1,
		Role:         workflow.RoleRepair,
		Title:        "Repair momentum signal",
		Description:  "Failure class: timeout\n",
		ParentTaskID: "A",
		FailureClass: workflow.BranchTimeout,
		FixHint:      "Bound loops with MAX_ITERATIONS; add break on condition.",
	})
	require.NoError(t, err)

	prompt := completer.lastReq.Messages[1].Content
	require.Contains(t, prompt, "failed with class: timeout")
	require.Contains(t, prompt, "Bound loops with MAX_ITERATIONS")
}

func TestLLMAdapter_SafetyBlockIsTerminalFailure(t *testing.T) {
	completer := &stubCompleter{err: router.NewSafetyError(errors.New("provider refused the prompt"))}

	a, err := NewLLMAdapter(workflow.RoleImplement, completer, LLMConfig{
		Model: "m-large", Tier: router.TierMedium, WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	res, err := a.HandleDispatch(context.Background(), workflow.DispatchPayload{
		CorrelationID: "corr-1", WorkflowID: "wf-1", TaskID: "A", Attempt: 1,
		Role: workflow.RoleImplement, Title: "t", Description: "d",
	})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeFailed, res.Outcome)
	require.Contains(t, res.Error, "refused the prompt")
}

func TestLLMAdapter_RejectsNonLLMRole(t *testing.T) {
	_, err := NewLLMAdapter(workflow.RoleValidate, &stubCompleter{}, LLMConfig{WorkDir: t.TempDir()})
	require.Error(t, err)
}

func TestExtractDeliverable_NoFence(t *testing.T) {
	got := extractDeliverable("plain prose answer")
	require.Equal(t, "plain prose answer\n", got)
}

func TestDocumentProducer_RoundTrip(t *testing.T) {
	doc := `
graph_id: g-1
name: demo
tasks:
  - id: A
    title: build
    role: implement
    deps: []
    acceptance: []
`
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p := &DocumentProducer{Path: path}
	g, err := p.Produce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "g-1", g.GraphID)
	require.Len(t, g.Tasks, 1)
}

func TestDocumentProducer_RejectsCycle(t *testing.T) {
	doc := `
graph_id: g-1
name: demo
tasks:
  - id: A
    title: a
    role: implement
    deps: [B]
    acceptance: []
  - id: B
    title: b
    role: implement
    deps: [A]
    acceptance: []
`
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p := &DocumentProducer{Path: path}
	_, err := p.Produce(context.Background())

	var invalid *workflow.InvalidGraphError
	require.ErrorAs(t, err, &invalid)
}
