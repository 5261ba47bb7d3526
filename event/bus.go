package event

import "context"

// Handler processes a single event. Handlers run on the bus worker pool; a
// panicking handler is isolated and must not halt delivery to other
// subscribers.
type Handler func(ctx context.Context, ev Event)

// Subscription is a handle to an active subscription.
type Subscription interface {
	// Unsubscribe stops delivery. In-flight callbacks are allowed to finish.
	Unsubscribe() error
}

// Bus is the typed pub/sub contract shared by the in-memory and redis
// transports. Guarantees:
//
//   - FIFO delivery per channel to each subscriber.
//   - Publishers never block on slow subscribers.
//   - At-least-once delivery while the process is alive; no persistence
//     across restart.
type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}
