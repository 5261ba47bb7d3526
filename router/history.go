package router

import (
	"context"
	"sync"
	"time"
)

// HistoryStore persists conversation history across routed calls. Appends
// for one conversation are serialized by the implementation; reads return a
// committed snapshot.
type HistoryStore interface {
	// Append adds messages to a conversation, creating it on first use.
	Append(ctx context.Context, conversationID string, messages ...Message) error

	// Get returns the conversation's history in order. A missing
	// conversation yields an empty slice, not an error.
	Get(ctx context.Context, conversationID string) ([]Message, error)

	// Delete removes a conversation.
	Delete(ctx context.Context, conversationID string) error
}

// HistoryConfig bounds retained conversations.
type HistoryConfig struct {
	// MaxMessages truncates history from the head once exceeded.
	MaxMessages int
	// TTL evicts conversations idle longer than this.
	TTL time.Duration
}

// DefaultHistoryConfig returns the standard retention policy.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxMessages: 40,
		TTL:         time.Hour,
	}
}

// conversation is one in-memory history with its own lock, so appends to
// different conversations never contend.
type conversation struct {
	mu        sync.Mutex
	messages  []Message
	updatedAt time.Time
}

// MemoryHistory keeps conversations in process memory. Histories are lost
// on restart; durability is the NATS-backed store's job.
type MemoryHistory struct {
	mu    sync.Mutex
	cfg   HistoryConfig
	convs map[string]*conversation
	now   func() time.Time
}

// NewMemoryHistory creates an in-memory history store.
func NewMemoryHistory(cfg HistoryConfig) *MemoryHistory {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultHistoryConfig().MaxMessages
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultHistoryConfig().TTL
	}
	return &MemoryHistory{
		cfg:   cfg,
		convs: make(map[string]*conversation),
		now:   time.Now,
	}
}

// get returns the conversation, creating it when create is set. Expired
// conversations are evicted lazily on access.
func (h *MemoryHistory) get(conversationID string, create bool) *conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	conv, ok := h.convs[conversationID]
	if ok && now.Sub(conv.updatedAt) > h.cfg.TTL {
		delete(h.convs, conversationID)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		conv = &conversation{updatedAt: now}
		h.convs[conversationID] = conv
	}
	return conv
}

func (h *MemoryHistory) Append(_ context.Context, conversationID string, messages ...Message) error {
	conv := h.get(conversationID, true)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.messages = append(conv.messages, messages...)
	if over := len(conv.messages) - h.cfg.MaxMessages; over > 0 {
		conv.messages = conv.messages[over:]
	}
	conv.updatedAt = h.now()
	return nil
}

func (h *MemoryHistory) Get(_ context.Context, conversationID string) ([]Message, error) {
	conv := h.get(conversationID, false)
	if conv == nil {
		return nil, nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

func (h *MemoryHistory) Delete(_ context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convs, conversationID)
	return nil
}
