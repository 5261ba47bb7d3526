package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces conductor channels in a shared redis instance.
const channelPrefix = "conductor."

// RedisBus is the remote bus variant, backed by redis pub/sub. It exposes the
// same interface as MemoryBus; transport errors are returned to the publisher
// and logged on the subscriber side.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*redisSubscriber
	closed bool
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisBusLogger sets the logger.
func WithRedisBusLogger(logger *slog.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = logger
	}
}

// NewRedisBus creates a bus over an existing redis client. The bus does not
// own the client; Close stops subscriptions but leaves the client open.
func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends the event to the redis channel. Delivery to subscribers in
// other processes follows redis pub/sub semantics (no persistence).
func (b *RedisBus) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

type redisSubscriber struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	done   chan struct{}
}

// Subscribe registers a handler. Each subscription owns one redis PubSub
// connection and a receive goroutine, preserving per-channel FIFO order.
func (b *RedisBus) Subscribe(channel string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	pubsub := b.client.Subscribe(context.Background(), channelPrefix+channel)
	sub := &redisSubscriber{
		bus:    b,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	b.subs = append(b.subs, sub)

	go sub.receive(channel, h)
	return sub, nil
}

func (s *redisSubscriber) receive(channel string, h Handler) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.bus.logger.Warn("dropping undecodable event",
				"channel", channel,
				"error", err)
			continue
		}
		s.deliver(channel, ev, h)
	}
}

func (s *redisSubscriber) deliver(channel string, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked",
				"channel", channel,
				"event_type", ev.Type,
				"event_id", ev.EventID,
				"panic", r)
		}
	}()
	h(context.Background(), ev)
}

// Unsubscribe closes the underlying redis subscription.
func (s *redisSubscriber) Unsubscribe() error {
	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	<-s.done
	return nil
}

// Close stops all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
