package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/conductor/ratelimit"
)

// fakeProvider speaks a trivial JSON protocol so tests can drive the full
// dispatch path through httptest servers.
type fakeProvider struct{}

func (f *fakeProvider) Name() string                 { return "fake" }
func (f *fakeProvider) BuildURL(base string) string  { return base }
func (f *fakeProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("X-Test-Key", apiKey)
}

func (f *fakeProvider) BuildRequestBody(model string, messages []Message, maxTokens int, safety SafetySettings) ([]byte, error) {
	return json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"safety":   safety,
	})
}

func (f *fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(err)
	}
	if resp.ModelUsed == "" {
		resp.ModelUsed = model
	}
	return &resp, nil
}

func (f *fakeProvider) ClassifyError(statusCode int, header http.Header, body []byte) error {
	err := fmt.Errorf("fake error (status %d): %s", statusCode, body)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err, 0)
	case statusCode == http.StatusBadRequest:
		return NewSafetyError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

var registerFake sync.Once

func fakeTestSetup() {
	registerFake.Do(func() { RegisterProvider(&fakeProvider{}) })
}

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.TransientCooldown = 50 * time.Millisecond
	return cfg
}

func okBody(content string, tokens int) []byte {
	data, _ := json.Marshal(Response{
		Content: content,
		Usage:   TokenUsage{TotalTokens: tokens},
	})
	return data
}

func newTestRouter(t *testing.T, creds []Credential, secrets StaticSource, opts ...RouterOption) (*Router, ratelimit.Store) {
	t.Helper()
	fakeTestSetup()

	set, err := NewCredentials(creds)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	store := ratelimit.NewMemoryStore()
	opts = append([]RouterOption{WithRetryConfig(fastRetry())}, opts...)
	return New(set, store, secrets, opts...), store
}

func TestRouter_RateLimitFailover(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(okBody("ok", 10))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "k1", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 1, TPMLimit: 1000, Active: true, BaseURL: server.URL},
		{KeyID: "k2", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 1, TPMLimit: 1000, Active: true, BaseURL: server.URL},
	}
	r, store := newTestRouter(t, creds, StaticSource{"k1": "secret-one-value", "k2": "secret-two-value"})

	// Two concurrent calls against two rpm=1 keys: both must succeed on
	// distinct keys with neither counter over its limit.
	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Complete(context.Background(), Request{
				Messages: []Message{{Role: "user", Content: "hello"}},
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
	}
	if results[0].KeyUsed == results[1].KeyUsed {
		t.Errorf("both calls used %s; expected distinct keys", results[0].KeyUsed)
	}
	for _, keyID := range []string{"k1", "k2"} {
		usage, err := store.Usage(context.Background(), keyID)
		if err != nil {
			t.Fatalf("usage %s: %v", keyID, err)
		}
		if usage.Requests > 1 {
			t.Errorf("key %s requests %d exceeds rpm limit 1", keyID, usage.Requests)
		}
	}
}

func TestRouter_SafetyEscalation(t *testing.T) {
	var mu sync.Mutex
	var keysSeen []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Test-Key")
		mu.Lock()
		keysSeen = append(keysSeen, key)
		mu.Unlock()

		if key == "heavy-secret-value" {
			// Top-tier attempt must arrive softened: no code fences.
			var body struct {
				Messages []Message `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			for _, m := range body.Messages {
				if strings.Contains(m.Content, "```") {
					t.Error("heavy-tier attempt still contains code fences")
				}
			}
			w.Write(okBody("done", 5))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "content_policy_violation"}`))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "k-light", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true, BaseURL: server.URL},
		{KeyID: "k-medium", Provider: "fake", Model: "m", Workload: TierMedium, RPMLimit: 10, Active: true, BaseURL: server.URL},
		{KeyID: "k-heavy", Provider: "fake", Model: "m", Workload: TierHeavy, RPMLimit: 10, Active: true, BaseURL: server.URL},
	}
	secrets := StaticSource{
		"k-light":  "light-secret-value",
		"k-medium": "medium-secret-value",
		"k-heavy":  "heavy-secret-value",
	}
	r, store := newTestRouter(t, creds, secrets)

	resp, err := r.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "Write code:\n```python\nprint('hi')\n```"}},
	})
	if err != nil {
		t.Fatalf("expected escalation to succeed: %v", err)
	}
	if resp.KeyUsed != "k-heavy" {
		t.Errorf("expected heavy key, got %s", resp.KeyUsed)
	}

	want := []string{"light-secret-value", "medium-secret-value", "heavy-secret-value"}
	mu.Lock()
	defer mu.Unlock()
	if len(keysSeen) != 3 {
		t.Fatalf("expected 3 attempts, got %v", keysSeen)
	}
	for i, k := range want {
		if keysSeen[i] != k {
			t.Errorf("attempt %d used %s, expected %s", i, keysSeen[i], k)
		}
	}

	// Safety rejections must not cool keys down.
	for _, keyID := range []string{"k-light", "k-medium"} {
		if _, cooling, _ := store.CooldownUntil(context.Background(), keyID); cooling {
			t.Errorf("key %s placed in cooldown after safety rejection", keyID)
		}
	}
}

func TestRouter_SafetyBlockAllTiers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "content_policy_violation"}`))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "k-light", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true, BaseURL: server.URL},
		{KeyID: "k-medium", Provider: "fake", Model: "m", Workload: TierMedium, RPMLimit: 10, Active: true, BaseURL: server.URL},
		{KeyID: "k-heavy", Provider: "fake", Model: "m", Workload: TierHeavy, RPMLimit: 10, Active: true, BaseURL: server.URL},
	}
	secrets := StaticSource{"k-light": "s1-value-long", "k-medium": "s2-value-long", "k-heavy": "s3-value-long"}
	r, _ := newTestRouter(t, creds, secrets)

	_, err := r.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "anything"}},
	})
	if err == nil {
		t.Fatal("expected failure when every tier rejects")
	}
	if !IsSafetyBlocked(err) {
		t.Errorf("expected safety-block classification, got %v", err)
	}
	if IsRateLimited(err) {
		t.Error("safety block must not classify as rate-limited")
	}
}

func TestRouter_TransientCoolsKeyAndFailsOver(t *testing.T) {
	var firstKey string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Test-Key")
		mu.Lock()
		if firstKey == "" {
			firstKey = key
			mu.Unlock()
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Unlock()
		w.Write(okBody("ok", 5))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "a", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true, BaseURL: server.URL},
		{KeyID: "b", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true, BaseURL: server.URL},
	}
	r, store := newTestRouter(t, creds, StaticSource{"a": "aaaa-value-long", "b": "bbbb-value-long"})

	resp, err := r.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("expected failover to succeed: %v", err)
	}
	if resp.KeyUsed != "b" {
		t.Errorf("expected failover to b, got %s", resp.KeyUsed)
	}
	if _, cooling, _ := store.CooldownUntil(context.Background(), "a"); !cooling {
		t.Error("transient failure should briefly cool the key")
	}
}

func TestRouter_NoKeyAvailable(t *testing.T) {
	creds := []Credential{
		{KeyID: "a", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true},
		{KeyID: "b", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true},
	}
	r, store := newTestRouter(t, creds, StaticSource{"a": "aaaa-value-long", "b": "bbbb-value-long"})

	ctx := context.Background()
	soon := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)
	if err := store.SetCooldown(ctx, "a", later); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCooldown(ctx, "b", soon); err != nil {
		t.Fatal(err)
	}

	_, err := r.Complete(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	var noKey *NoKeyError
	if !errors.As(err, &noKey) {
		t.Fatalf("expected NoKeyError, got %v", err)
	}
	if !noKey.EarliestRetry.Equal(soon) {
		t.Errorf("expected earliest retry %v, got %v", soon, noKey.EarliestRetry)
	}
}

func TestRouter_ConversationHistoryThreading(t *testing.T) {
	var payloads [][]Message
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		payloads = append(payloads, body.Messages)
		mu.Unlock()
		w.Write(okBody("reply", 5))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "k", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, Active: true, BaseURL: server.URL},
	}
	r, _ := newTestRouter(t, creds, StaticSource{"k": "kkkk-value-long"})

	ctx := context.Background()
	for _, prompt := range []string{"first", "second"} {
		if _, err := r.Complete(ctx, Request{
			ConversationID: "conv-1",
			Messages:       []Message{{Role: "user", Content: prompt}},
		}); err != nil {
			t.Fatalf("complete %q: %v", prompt, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(payloads))
	}
	// Second dispatch must carry first user turn + assistant reply + new turn.
	second := payloads[1]
	if len(second) != 3 {
		t.Fatalf("expected 3 messages in second payload, got %d: %+v", len(second), second)
	}
	if second[0].Content != "first" || second[1].Role != "assistant" || second[2].Content != "second" {
		t.Errorf("history not threaded correctly: %+v", second)
	}
}

func TestRouter_TokenCorrectionAfterSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(okBody("ok", 10))
	}))
	defer server.Close()

	creds := []Credential{
		{KeyID: "k", Provider: "fake", Model: "m", Workload: TierLight, RPMLimit: 10, TPMLimit: 1000, Active: true, BaseURL: server.URL},
	}
	r, store := newTestRouter(t, creds, StaticSource{"k": "kkkk-value-long"})

	ctx := context.Background()
	if _, err := r.Complete(ctx, Request{
		EstimatedTokens: 500,
		Messages:        []Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	usage, err := store.Usage(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if usage.Tokens != 10 {
		t.Errorf("expected correction to actual 10 tokens, got %d", usage.Tokens)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("sk-abcdefghij"); got != "sk-a****" {
		t.Errorf("unexpected mask: %s", got)
	}
	if got := MaskKey("short"); got != "********" {
		t.Errorf("short secrets must be fully masked, got %s", got)
	}
}
