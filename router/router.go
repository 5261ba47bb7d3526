package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/conductor/ratelimit"
)

// maxResponseSize limits provider response bodies.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Router selects a credential per attempt, reserves budget, threads
// conversation history, and classifies provider failures. It is fully
// reentrant; concurrent calls share budgets only through the rate-limit
// store.
type Router struct {
	creds      *Credentials
	limits     ratelimit.Store
	history    HistoryStore
	secrets    SecretSource
	httpClient *http.Client
	retry      RetryConfig
	safety     SafetySettings
	metrics    *Metrics
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = c }
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg RetryConfig) RouterOption {
	return func(r *Router) { r.retry = cfg }
}

// WithHistory sets the conversation history store.
func WithHistory(h HistoryStore) RouterOption {
	return func(r *Router) { r.history = h }
}

// WithSafetySettings sets the safety settings attached to every dispatch.
func WithSafetySettings(s SafetySettings) RouterOption {
	return func(r *Router) { r.safety = s }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics attaches router metrics.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router. The credential budgets are registered with the
// rate-limit store up front.
func New(creds *Credentials, limits ratelimit.Store, secrets SecretSource, opts ...RouterOption) *Router {
	r := &Router{
		creds:   creds,
		limits:  limits,
		secrets: secrets,
		history: NewMemoryHistory(DefaultHistoryConfig()),
		retry:   DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // completions are slow
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	creds.RegisterLimits(limits)
	return r
}

// Complete routes one completion request. Each attempt uses a key at most
// once; content rejections escalate the workload tier instead of cooling
// keys down, with a softened prompt as the final fallback.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	estimate := req.EstimatedTokens
	if estimate <= 0 {
		estimate = estimateTokens(req.Messages)
	}

	history, err := r.loadHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	messages := req.Messages
	tier := req.Tier
	softened := false
	attempted := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < r.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			if err := r.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		cred, err := r.selectKey(ctx, req.Model, tier, attempted)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("retries exhausted: %w", lastErr)
			}
			return nil, err
		}
		attempted[cred.KeyID] = true

		decision, err := r.limits.Reserve(ctx, cred.KeyID, estimate)
		if err != nil {
			return nil, fmt.Errorf("reserve budget: %w", err)
		}
		if !decision.Allowed {
			r.countRateLimit(cred.KeyID)
			lastErr = NewRateLimitError(
				fmt.Errorf("key %s over %s budget", cred.KeyID, decision.LimitHit),
				decision.RetryAfter)
			continue
		}

		payload := append(append([]Message(nil), history...), messages...)
		resp, err := r.dispatch(ctx, cred, payload, req.MaxTokens)
		if err == nil {
			if cErr := r.limits.Correct(ctx, cred.KeyID, estimate, resp.Usage.TotalTokens); cErr != nil {
				r.logger.Warn("token correction failed", "key_id", cred.KeyID, "error", cErr)
			}
			resp.KeyUsed = cred.KeyID
			if r.metrics != nil {
				r.metrics.completions.WithLabelValues("success").Inc()
			}
			r.persistExchange(ctx, req.ConversationID, messages, resp)
			r.logger.Info("completion routed",
				"key_id", cred.KeyID,
				"model", resp.ModelUsed,
				"attempts", attempt+1,
				"tokens", resp.Usage.TotalTokens)
			return resp, nil
		}

		lastErr = err
		switch {
		case IsRateLimited(err):
			// Reservation released; the key sits out the hinted window.
			r.countRateLimit(cred.KeyID)
			r.releaseTokens(ctx, cred.KeyID, estimate)
			cooldown := r.retry.DefaultCooldown
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				cooldown = rl.RetryAfter
			}
			r.cooldownKey(ctx, cred.KeyID, cooldown, "rate-limited")

		case IsSafetyBlocked(err):
			// Rejection is about the prompt, not the key. No cooldown.
			if r.metrics != nil {
				r.metrics.safetyRejects.Inc()
			}
			r.releaseTokens(ctx, cred.KeyID, estimate)
			base := tier
			if base == "" {
				base = cred.Workload
			}
			switch {
			case base != TierHeavy:
				tier = escalateTier(base)
				if r.metrics != nil {
					r.metrics.tierEscalation.Inc()
				}
				// The top-tier attempt goes out softened so the last shot
				// has the best odds.
				if tier == TierHeavy && !softened {
					messages = softenMessages(messages)
					softened = true
				}
				r.logger.Warn("content rejected, escalating tier",
					"key_id", cred.KeyID,
					"from", base,
					"to", tier)
			case !softened:
				messages = softenMessages(messages)
				softened = true
				tier = TierHeavy
				r.logger.Warn("content rejected at top tier, softening prompt",
					"key_id", cred.KeyID)
			default:
				if r.metrics != nil {
					r.metrics.completions.WithLabelValues("safety-block").Inc()
				}
				return nil, fmt.Errorf("safety-block: %w", err)
			}

		case IsTransient(err):
			r.releaseTokens(ctx, cred.KeyID, estimate)
			r.cooldownKey(ctx, cred.KeyID, r.retry.TransientCooldown, "transient")

		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// DeleteConversation drops a conversation's history on demand.
func (r *Router) DeleteConversation(ctx context.Context, conversationID string) error {
	if r.history == nil || conversationID == "" {
		return nil
	}
	return r.history.Delete(ctx, conversationID)
}

func (r *Router) loadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	if r.history == nil || conversationID == "" {
		return nil, nil
	}
	history, err := r.history.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return history, nil
}

// persistExchange appends the user turn and assistant reply after success.
// History failure does not fail the completion.
func (r *Router) persistExchange(ctx context.Context, conversationID string, sent []Message, resp *Response) {
	if r.history == nil || conversationID == "" {
		return
	}
	turns := append(append([]Message(nil), sent...), Message{Role: "assistant", Content: resp.Content})
	if err := r.history.Append(ctx, conversationID, turns...); err != nil {
		r.logger.Warn("failed to persist conversation",
			"conversation_id", conversationID,
			"error", err)
	}
}

func (r *Router) releaseTokens(ctx context.Context, keyID string, estimate int) {
	if err := r.limits.Correct(ctx, keyID, estimate, 0); err != nil {
		r.logger.Warn("failed to release reservation", "key_id", keyID, "error", err)
	}
}

func (r *Router) cooldownKey(ctx context.Context, keyID string, d time.Duration, reason string) {
	until := time.Now().Add(d)
	if err := r.limits.SetCooldown(ctx, keyID, until); err != nil {
		r.logger.Warn("failed to set cooldown", "key_id", keyID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.keyCooldowns.WithLabelValues(keyID, reason).Inc()
	}
	r.logger.Info("key cooling down",
		"key_id", keyID,
		"until", until,
		"reason", reason)
}

func (r *Router) countRateLimit(keyID string) {
	if r.metrics != nil {
		r.metrics.rateLimitHits.WithLabelValues(keyID).Inc()
	}
}

// sleepBackoff waits between attempts with +/- 25% jitter.
func (r *Router) sleepBackoff(ctx context.Context, attempt int) error {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(r.retry.BackoffBase) * multiplier)
	if backoff > r.retry.MaxBackoff {
		backoff = r.retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	backoff += time.Duration(jitter)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// dispatch executes a single provider call with the credential's secret.
func (r *Router) dispatch(ctx context.Context, cred Credential, messages []Message, maxTokens int) (*Response, error) {
	provider := GetProvider(cred.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", cred.Provider))
	}

	secret, err := r.secrets.Secret(cred.KeyID)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("resolve secret: %w", err))
	}

	body, err := provider.BuildRequestBody(cred.Model, messages, maxTokens, r.safety)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(cred.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, secret)

	r.logger.Debug("dispatching completion",
		"provider", cred.Provider,
		"model", cred.Model,
		"key", MaskKey(secret),
		"messages", len(messages))

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyError(httpResp.StatusCode, httpResp.Header, respBody)
	}
	return provider.ParseResponse(respBody, cred.Model)
}
