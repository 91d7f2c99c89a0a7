// Package events provides domain event handling capabilities for communicating
// state changes across system boundaries in a decoupled way.
package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It decouples event producers from
// the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// AckFunc acknowledges processing of a consumed event. A non-nil error
// leaves the event unacknowledged.
type AckFunc func(err error)

// HandlerFunc processes a single consumed event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventBus enables publishing and subscribing to events across system
// boundaries. It abstracts messaging infrastructure details to keep domain
// logic focused on business concerns rather than transport mechanisms.
type EventBus interface {
	// Publish broadcasts an event to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of specified types.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

// NopPublisher discards every event. It is used when no event bus is configured.
type NopPublisher struct{}

// PublishDomainEvent implements DomainEventPublisher.
func (NopPublisher) PublishDomainEvent(context.Context, DomainEvent, ...PublishOption) error {
	return nil
}
