package events

import "time"

// DomainEvent is implemented by every event a bounded context emits.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with the routing and transport metadata
// the event bus needs to deliver it.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the job ID.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on
	// the EventType.
	Payload any

	// Metadata is populated by the transport on consumption.
	Metadata EventMetadata
}

// EventMetadata carries the transport position of a consumed event.
type EventMetadata struct {
	Partition int32
	Offset    int64
}
