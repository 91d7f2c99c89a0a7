// Package eventdispatcher routes consumed bus events to the handler
// registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// Dispatcher holds one handler per event type. Its Dispatch method is itself
// an events.HandlerFunc, so a single bus subscription can serve every
// registered type:
//
//	d := eventdispatcher.New(tracer, log)
//	d.Register(worker.EventTypeProgressReported, progressHandler)
//	bus.Subscribe(ctx, d.EventTypes(), d.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with no handlers.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// Register associates handler with eventType, replacing any previous one.
func (d *Dispatcher) Register(eventType events.EventType, handler events.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

// EventTypes lists the registered types in a stable order.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// HandlerNotFoundError reports an event whose type has no handler.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch implements events.HandlerFunc. Events without a handler are
// acknowledged so they do not block the partition, and reported as
// *HandlerNotFoundError.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
		))
	defer span.End()

	d.mu.RLock()
	handler, ok := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !ok {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler")
		d.logger.Warn(ctx, "skipping event without handler", "event_type", evt.Type)
		ack(nil)
		return err
	}

	if err := handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s: %w", evt.Type, err)
	}

	d.logger.Debug(ctx, "event dispatched", "event_type", evt.Type)
	return nil
}
