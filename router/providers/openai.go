// Package providers implements upstream API adapters for the router.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/conductor/router"
)

// OpenAIProvider implements the OpenAI-compatible chat completions API,
// which also covers the usual self-hosted gateways.
type OpenAIProvider struct{}

func init() {
	router.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat completions endpoint.
func (p *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/chat/completions"
}

// SetHeaders adds bearer authentication.
func (p *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

type openAIRequest struct {
	Model     string           `json:"model"`
	Messages  []openAIMessage  `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the chat completions payload. The API has no
// per-request safety controls, so the safety directive rides on the system
// message and the categories land in request metadata.
func (p *OpenAIProvider) BuildRequestBody(model string, messages []router.Message, maxTokens int, safety router.SafetySettings) ([]byte, error) {
	apiMessages := make([]openAIMessage, 0, len(messages)+1)
	if safety.SystemDirective != "" {
		apiMessages = append(apiMessages, openAIMessage{Role: "system", Content: safety.SystemDirective})
	}
	for _, m := range messages {
		apiMessages = append(apiMessages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	req := openAIRequest{
		Model:     model,
		Messages:  apiMessages,
		MaxTokens: maxTokens,
	}
	if len(safety.Categories) > 0 {
		req.Metadata = safety.Categories
	}
	return json.Marshal(req)
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// ParseResponse extracts the completion. A content_filter finish reason is a
// safety rejection even though the HTTP status was 200.
func (p *OpenAIProvider) ParseResponse(body []byte, model string) (*router.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, router.NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, router.NewTransientError(fmt.Errorf("response has no choices"))
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, router.NewSafetyError(fmt.Errorf("completion blocked by content filter"))
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &router.Response{
		Content:      choice.Message.Content,
		ModelUsed:    usedModel,
		FinishReason: choice.FinishReason,
		Usage: router.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ClassifyError maps HTTP failures to the router taxonomy.
func (p *OpenAIProvider) ClassifyError(statusCode int, header http.Header, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}
	err := fmt.Errorf("openai error (status %d): %s", statusCode, excerpt)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return router.NewRateLimitError(err, parseRetryAfter(header))
	case statusCode == http.StatusBadRequest && isContentPolicyBody(body):
		return router.NewSafetyError(err)
	case statusCode >= 500:
		return router.NewTransientError(err)
	case statusCode == http.StatusRequestTimeout:
		return router.NewTransientError(err)
	default:
		return router.NewFatalError(err)
	}
}

// parseRetryAfter reads a Retry-After header in seconds, zero when absent.
func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// isContentPolicyBody detects content rejections hidden in 400 responses.
func isContentPolicyBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "content_policy") ||
		strings.Contains(s, "content policy") ||
		strings.Contains(s, "content_filter")
}
