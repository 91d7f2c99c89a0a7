// Package serialization provides a registry-based system for serializing and
// deserializing domain events on the event bus. Payloads travel as JSON inside
// a small envelope that names the event type, so a consumer can decode a
// message without knowing which producer wrote it.
package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/worker"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered
// serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the
// registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// envelope is the wire format of every message on the bus.
type envelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope serializes payload and wraps it with its event type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	data, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: eventType, Payload: data})
}

// UnmarshalUniversalEnvelope splits a message into its event type and the
// still-encoded payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("unmarshal envelope: missing event type")
	}
	return env.Type, env.Payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
func RegisterEventSerializers() {
	RegisterSerializeFunc(scanning.EventTypeJobCreated, serializeJobCreated)
	RegisterDeserializeFunc(scanning.EventTypeJobCreated, deserializeJobCreated)
	RegisterSerializeFunc(scanning.EventTypeJobStatusChanged, serializeJobStatusChanged)
	RegisterDeserializeFunc(scanning.EventTypeJobStatusChanged, deserializeJobStatusChanged)
	RegisterSerializeFunc(worker.EventTypeProgressReported, serializeProgressReported)
	RegisterDeserializeFunc(worker.EventTypeProgressReported, deserializeProgressReported)
}

type jobCreatedJSON struct {
	JobID        uuid.UUID `json:"job_id"`
	RepositoryID uuid.UUID `json:"repository_id"`
	Branch       string    `json:"branch"`
	ScanType     string    `json:"scan_type"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func serializeJobCreated(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.JobCreatedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeJobCreated: payload is not JobCreatedEvent")
	}
	return json.Marshal(jobCreatedJSON{
		JobID:        evt.JobID,
		RepositoryID: evt.RepositoryID,
		Branch:       evt.Branch,
		ScanType:     evt.ScanType.String(),
		OccurredAt:   evt.OccurredAt(),
	})
}

func deserializeJobCreated(data []byte) (any, error) {
	var j jobCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal JobCreated: %w", err)
	}
	scanType, err := scanning.ParseScanType(j.ScanType)
	if err != nil {
		return nil, fmt.Errorf("unmarshal JobCreated: %w", err)
	}
	evt := scanning.JobCreatedEvent{
		JobID:        j.JobID,
		RepositoryID: j.RepositoryID,
		Branch:       j.Branch,
		ScanType:     scanType,
	}
	return evt.WithOccurredAt(j.OccurredAt), nil
}

type jobStatusChangedJSON struct {
	JobID        uuid.UUID `json:"job_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Revision     int64     `json:"revision"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func serializeJobStatusChanged(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.JobStatusChangedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeJobStatusChanged: payload is not JobStatusChangedEvent")
	}
	return json.Marshal(jobStatusChangedJSON{
		JobID:        evt.JobID,
		From:         evt.From.String(),
		To:           evt.To.String(),
		Revision:     evt.Revision,
		ErrorMessage: evt.ErrorMessage,
		OccurredAt:   evt.OccurredAt(),
	})
}

func deserializeJobStatusChanged(data []byte) (any, error) {
	var j jobStatusChangedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal JobStatusChanged: %w", err)
	}
	evt := scanning.JobStatusChangedEvent{
		JobID:        j.JobID,
		From:         scanning.ParseJobStatus(j.From),
		To:           scanning.ParseJobStatus(j.To),
		Revision:     j.Revision,
		ErrorMessage: j.ErrorMessage,
	}
	return evt.WithOccurredAt(j.OccurredAt), nil
}

func serializeProgressReported(payload any) ([]byte, error) {
	report, ok := payload.(worker.ProgressReport)
	if !ok {
		return nil, fmt.Errorf("serializeProgressReported: payload is not ProgressReport")
	}
	return json.Marshal(report)
}

func deserializeProgressReported(data []byte) (any, error) {
	var report worker.ProgressReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshal ProgressReport: %w", err)
	}
	return report, nil
}
