package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DirectClient dispatches completions with a single explicit credential,
// bypassing key selection, budgets, and history. It is the rollback surface
// when the router is disabled by configuration; callers own any history.
type DirectClient struct {
	cred       Credential
	secrets    SecretSource
	safety     SafetySettings
	httpClient *http.Client
	logger     *slog.Logger
}

// DirectOption configures a DirectClient.
type DirectOption func(*DirectClient)

// WithDirectHTTPClient sets a custom HTTP client.
func WithDirectHTTPClient(c *http.Client) DirectOption {
	return func(d *DirectClient) { d.httpClient = c }
}

// WithDirectSafetySettings sets the attached safety settings.
func WithDirectSafetySettings(s SafetySettings) DirectOption {
	return func(d *DirectClient) { d.safety = s }
}

// WithDirectLogger sets the structured logger.
func WithDirectLogger(logger *slog.Logger) DirectOption {
	return func(d *DirectClient) { d.logger = logger }
}

// NewDirectClient creates a single-key client.
func NewDirectClient(cred Credential, secrets SecretSource, opts ...DirectOption) *DirectClient {
	d := &DirectClient{
		cred:    cred,
		secrets: secrets,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "direct-client")
	return d
}

// Complete dispatches one completion on the fixed key. Errors carry the
// same taxonomy the router uses, but no retry or failover happens here.
func (d *DirectClient) Complete(ctx context.Context, messages []Message, maxTokens int) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	provider := GetProvider(d.cred.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", d.cred.Provider))
	}

	secret, err := d.secrets.Secret(d.cred.KeyID)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("resolve secret: %w", err))
	}

	body, err := provider.BuildRequestBody(d.cred.Model, messages, maxTokens, d.safety)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BuildURL(d.cred.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, secret)

	httpResp, err := d.httpClient.Do(httpReq)
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

	resp, err := provider.ParseResponse(respBody, d.cred.Model)
	if err != nil {
		return nil, err
	}
	resp.KeyUsed = d.cred.KeyID
	return resp, nil
}
