// Package router dispatches completion requests across a pool of provider
// credentials, enforcing per-key rate budgets, cooldown, workload-tier
// escalation on content rejections, and conversation history threading.
package router

import "time"

// Workload tiers, ordered by escalation.
const (
	TierLight  = "light"
	TierMedium = "medium"
	TierHeavy  = "heavy"
)

// tierRank orders tiers for selection and escalation. Unknown tiers sort
// last so misconfigured credentials are only used when nothing else fits.
func tierRank(tier string) int {
	switch tier {
	case TierLight:
		return 0
	case TierMedium:
		return 1
	case TierHeavy:
		return 2
	default:
		return 3
	}
}

// escalateTier returns the next heavier tier, capped at heavy.
func escalateTier(tier string) string {
	switch tier {
	case TierLight:
		return TierMedium
	case TierMedium:
		return TierHeavy
	default:
		return TierHeavy
	}
}

// Credential describes one provider API key. The secret value itself never
// lives here; it is resolved through a SecretSource at dispatch time.
type Credential struct {
	KeyID      string `yaml:"key_id"`
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Workload   string `yaml:"workload"`
	RPMLimit   int    `yaml:"rpm_limit"`
	TPMLimit   int    `yaml:"tpm_limit"`
	DailyLimit int    `yaml:"daily_limit"`
	Active     bool   `yaml:"active"`
	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a routed completion request.
type Request struct {
	// Model restricts selection to credentials with a matching model tag.
	// Empty means any model.
	Model string

	// Tier restricts selection to a workload tier. Empty lets the router
	// start at the lightest available tier.
	Tier string

	// ConversationID threads history through the exchange. Empty disables
	// history handling.
	ConversationID string

	// EstimatedTokens sizes the budget reservation. Zero falls back to a
	// length-based estimate.
	EstimatedTokens int

	// Messages is the outgoing prompt payload.
	Messages []Message

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// TokenUsage reports token consumption for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a successful routed completion.
type Response struct {
	Content      string
	ModelUsed    string
	KeyUsed      string
	Usage        TokenUsage
	FinishReason string
}

// estimateTokens approximates the token count of a payload when the caller
// supplies no estimate. Four bytes per token is the usual rough cut.
func estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	est := total / 4
	if est < 16 {
		est = 16
	}
	return est
}

// RetryConfig bounds the routed retry loop.
type RetryConfig struct {
	// MaxRetries caps attempts per call across all keys.
	MaxRetries int
	// BackoffBase is the initial inter-attempt delay.
	BackoffBase time.Duration
	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
	// DefaultCooldown is used when the provider supplies no retry hint.
	DefaultCooldown time.Duration
	// TransientCooldown briefly benches a key after timeouts and 5xx.
	TransientCooldown time.Duration
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		DefaultCooldown:   30 * time.Second,
		TransientCooldown: 5 * time.Second,
	}
}
