package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryBus is the single-process bus variant. Each subscriber owns an
// unbounded FIFO queue drained by a dedicated worker goroutine, so a slow
// callback never blocks publishers or other subscribers.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscriber
	closed      bool
	logger      *slog.Logger
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithMemoryBusLogger sets the logger used for handler panic reports.
func WithMemoryBusLogger(logger *slog.Logger) MemoryBusOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[string][]*memorySubscriber),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySubscriber struct {
	bus     *MemoryBus
	channel string
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

// Publish enqueues the event for every current subscriber of the channel.
// Publishing to a channel with no subscribers is not an error.
func (b *MemoryBus) Publish(_ context.Context, channel string, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subs := b.subscribers[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
	return nil
}

// Subscribe registers a handler on a channel, creating the channel lazily.
func (b *MemoryBus) Subscribe(channel string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	sub := &memorySubscriber{
		bus:     b,
		channel: channel,
		handler: h,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subscribers[channel] = append(b.subscribers[channel], sub)

	go sub.drain()
	return sub, nil
}

// Close stops all subscribers. Queued events are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscriber
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[string][]*memorySubscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (s *memorySubscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// drain delivers queued events in FIFO order. Handler panics are recovered so
// one bad callback cannot halt the bus.
func (s *memorySubscriber) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *memorySubscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked",
				"channel", s.channel,
				"event_type", ev.Type,
				"event_id", ev.EventID,
				"panic", r)
		}
	}()
	s.handler(context.Background(), ev)
}

func (s *memorySubscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Signal()
	<-s.done
}

// Unsubscribe removes the subscriber from the bus and stops its worker.
func (s *memorySubscriber) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	subs := b.subscribers[s.channel]
	for i, candidate := range subs {
		if candidate == s {
			b.subscribers[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.stop()
	return nil
}
