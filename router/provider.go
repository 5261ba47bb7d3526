package router

import (
	"net/http"
	"sync"
)

// SafetySettings are attached to every request layer a provider supports, so
// provider-side defaults cannot silently reappear between attempts.
type SafetySettings struct {
	// SystemDirective is prepended to the system prompt when non-empty.
	SystemDirective string `yaml:"system_directive"`
	// Categories maps provider safety categories to thresholds, for
	// providers with per-request safety controls.
	Categories map[string]string `yaml:"categories"`
}

// Provider adapts one upstream API. Implementations are stateless; the
// credential's secret is passed per call and never stored.
type Provider interface {
	// Name returns the provider tag credentials reference.
	Name() string

	// BuildURL constructs the completion endpoint from an optional base
	// override.
	BuildURL(baseURL string) string

	// SetHeaders adds authentication and version headers.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody renders the JSON payload, attaching safety settings
	// wherever the API supports them.
	BuildRequestBody(model string, messages []Message, maxTokens int, safety SafetySettings) ([]byte, error)

	// ParseResponse extracts a Response from a 200 body. A completion the
	// provider cut off for content reasons returns a SafetyError.
	ParseResponse(body []byte, model string) (*Response, error)

	// ClassifyError maps a non-200 status to the router's error taxonomy.
	ClassifyError(statusCode int, header http.Header, body []byte) error
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Called from provider
// package init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
