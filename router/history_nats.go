package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsHistoryBucket is the KV bucket holding conversation histories.
const natsHistoryBucket = "conductor_conversations"

// appendRetries bounds the optimistic-concurrency retry loop on Append.
const appendRetries = 5

// storedConversation is the KV value format.
type storedConversation struct {
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NATSHistory stores conversation history in a JetStream key-value bucket,
// surviving process restarts. Concurrent appends to one conversation are
// reconciled with compare-and-swap on the entry revision.
type NATSHistory struct {
	kv  nats.KeyValue
	cfg HistoryConfig
}

// NewNATSHistory binds to (or creates) the conversation bucket on an
// existing JetStream context. The bucket TTL implements conversation
// eviction.
func NewNATSHistory(js nats.JetStreamContext, cfg HistoryConfig) (*NATSHistory, error) {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultHistoryConfig().MaxMessages
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultHistoryConfig().TTL
	}

	kv, err := js.KeyValue(natsHistoryBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: natsHistoryBucket,
			TTL:    cfg.TTL,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind conversation bucket: %w", err)
	}
	return &NATSHistory{kv: kv, cfg: cfg}, nil
}

func (h *NATSHistory) Append(ctx context.Context, conversationID string, messages ...Message) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := h.kv.Get(conversationID)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			data, err := h.encode(messages)
			if err != nil {
				return err
			}
			if _, err := h.kv.Create(conversationID, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // lost the race, merge on next pass
				}
				return fmt.Errorf("create conversation %s: %w", conversationID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("load conversation %s: %w", conversationID, err)
		}

		var stored storedConversation
		if err := json.Unmarshal(entry.Value(), &stored); err != nil {
			return fmt.Errorf("decode conversation %s: %w", conversationID, err)
		}

		data, err := h.encode(append(stored.Messages, messages...))
		if err != nil {
			return err
		}
		_, err = h.kv.Update(conversationID, data, entry.Revision())
		if err == nil {
			return nil
		}
		// Revision conflict: another appender won, reload and retry.
	}
	return fmt.Errorf("append to conversation %s: too many concurrent writers", conversationID)
}

func (h *NATSHistory) encode(messages []Message) ([]byte, error) {
	if over := len(messages) - h.cfg.MaxMessages; over > 0 {
		messages = messages[over:]
	}
	data, err := json.Marshal(storedConversation{
		Messages:  messages,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	return data, nil
}

func (h *NATSHistory) Get(_ context.Context, conversationID string) ([]Message, error) {
	entry, err := h.kv.Get(conversationID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	var stored storedConversation
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return stored.Messages, nil
}

func (h *NATSHistory) Delete(_ context.Context, conversationID string) error {
	if err := h.kv.Delete(conversationID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}
