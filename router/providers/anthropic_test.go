package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/conductor/router"
)

func TestAnthropic_BuildRequestBody_SystemHandling(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-test", []router.Message{
		{Role: "system", Content: "you are a planner"},
		{Role: "user", Content: "plan this"},
	}, 0, router.SafetySettings{SystemDirective: "stay safe"})
	if err != nil {
		t.Fatal(err)
	}

	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if req.System != "stay safe\n\nyou are a planner" {
		t.Errorf("system prompt assembly wrong: %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("system message leaked into messages: %+v", req.Messages)
	}
	if req.MaxTokens != 4096 {
		t.Errorf("expected default max tokens, got %d", req.MaxTokens)
	}
}

func TestAnthropic_ParseResponse_Refusal(t *testing.T) {
	p := &AnthropicProvider{}
	body := `{"content": [], "stop_reason": "refusal"}`
	_, err := p.ParseResponse([]byte(body), "m")
	if !router.IsSafetyBlocked(err) {
		t.Errorf("expected safety classification, got %v", err)
	}
}

func TestAnthropic_ParseResponse_OK(t *testing.T) {
	p := &AnthropicProvider{}
	body := `{"model": "claude-test", "content": [{"type": "text", "text": "hi "}, {"type": "text", "text": "there"}], "stop_reason": "end_turn", "usage": {"input_tokens": 4, "output_tokens": 2}}`
	resp, err := p.ParseResponse([]byte(body), "m")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" {
		t.Errorf("text blocks not joined: %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("expected 6 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropic_ClassifyError_Overloaded(t *testing.T) {
	p := &AnthropicProvider{}
	err := p.ClassifyError(529, http.Header{}, []byte(`{"error": {"type": "overloaded_error"}}`))
	if !router.IsTransient(err) {
		t.Errorf("expected transient classification, got %v", err)
	}
}
