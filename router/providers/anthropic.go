package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/conductor/router"
)

// AnthropicProvider implements the Anthropic messages API.
type AnthropicProvider struct{}

// anthropicVersion is the API version header value.
const anthropicVersion = "2023-06-01"

func init() {
	router.RegisterProvider(&AnthropicProvider{})
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL constructs the messages endpoint.
func (p *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/messages"
}

// SetHeaders adds key and version headers.
func (p *AnthropicProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the messages payload. The system slot carries
// any safety directive ahead of the caller's system prompt; categories go
// into request metadata since the API has no per-request thresholds.
func (p *AnthropicProvider) BuildRequestBody(model string, messages []router.Message, maxTokens int, safety router.SafetySettings) ([]byte, error) {
	var systemParts []string
	if safety.SystemDirective != "" {
		systemParts = append(systemParts, safety.SystemDirective)
	}

	var apiMessages []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	if maxTokens <= 0 {
		maxTokens = 4096
	}

	req := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  apiMessages,
		System:    strings.Join(systemParts, "\n\n"),
	}
	if len(safety.Categories) > 0 {
		req.Metadata = safety.Categories
	}
	return json.Marshal(req)
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts the completion text. A refusal stop reason is a
// safety rejection.
func (p *AnthropicProvider) ParseResponse(body []byte, model string) (*router.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, router.NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if resp.StopReason == "refusal" {
		return nil, router.NewSafetyError(fmt.Errorf("completion refused by model"))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &router.Response{
		Content:      text.String(),
		ModelUsed:    usedModel,
		FinishReason: resp.StopReason,
		Usage: router.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// ClassifyError maps HTTP failures to the router taxonomy. Overloaded
// responses are transient; 429 carries the retry-after hint when present.
func (p *AnthropicProvider) ClassifyError(statusCode int, header http.Header, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}
	err := fmt.Errorf("anthropic error (status %d): %s", statusCode, excerpt)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return router.NewRateLimitError(err, parseRetryAfter(header))
	case statusCode == http.StatusBadRequest && isContentPolicyBody(body):
		return router.NewSafetyError(err)
	case statusCode == 529, statusCode >= 500:
		return router.NewTransientError(err)
	default:
		return router.NewFatalError(err)
	}
}
