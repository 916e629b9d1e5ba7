// Package hooks fans engine lifecycle events out to registered subscribers:
// session start and completion, task span begin/end, and remediation
// decisions. Delivery is synchronous and fire-and-forget from the engine's
// point of view; subscriber errors stop the current fan-out but never fail
// the session.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes engine events to registered subscribers. All methods
	// are safe for concurrent use.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber. Iteration stops at the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a handle that
		// unregisters it when closed. A nil subscriber is an error.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations should log
	// and swallow non-critical failures so they do not stall delivery to
	// other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent and
	// always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an empty in-memory event bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations or closes during delivery do not affect this fan-out.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
