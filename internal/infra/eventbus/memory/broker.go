// Package memory provides an in-memory implementation of the domain event
// publisher. It offers a lightweight, non-persistent broker suitable for
// testing and development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/avelsk/gatherd/internal/domain/events"
)

// Handler processes a published domain event.
type Handler func(events.DomainEvent) error

// Broker is an in-memory events.DomainEventPublisher. It fans published
// events out to subscribed handlers synchronously and retains every event
// it delivers, making assertions about emitted events straightforward.
type Broker struct {
	mu        sync.RWMutex
	handlers  []Handler
	published []events.DomainEvent
}

var _ events.DomainEventPublisher = (*Broker)(nil)

// NewBroker creates a new in-memory event broker with no subscribers.
func NewBroker() *Broker { return &Broker{} }

// Subscribe registers a handler for all subsequently published events.
// The handler is removed when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	idx := len(b.handlers)
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers = append(b.handlers[:idx], b.handlers[idx+1:]...)
		}
	}()

	return nil
}

// PublishDomainEvent delivers the event to every subscribed handler,
// stopping at the first handler error. Handlers are copied before
// iteration so a handler can subscribe without deadlocking.
func (b *Broker) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.PublishParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		if event.Headers == nil {
			event.Headers = make(map[string]string, len(params.Headers))
		}
		for k, v := range params.Headers {
			event.Headers[k] = v
		}
	}

	b.mu.Lock()
	b.published = append(b.published, event)
	handlersCopy := make([]Handler, len(b.handlers))
	copy(handlersCopy, b.handlers)
	b.mu.Unlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a snapshot of every event published so far.
func (b *Broker) Events() []events.DomainEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]events.DomainEvent, len(b.published))
	copy(out, b.published)
	return out
}

// EventsOfType returns the published events matching the given type,
// in publish order.
func (b *Broker) EventsOfType(t events.EventType) []events.DomainEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []events.DomainEvent
	for _, e := range b.published {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
