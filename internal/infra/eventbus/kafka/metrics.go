package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "kafka_event_bus"

type eventBusMetrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter
}

// NewEventBusMetrics creates the Kafka publish and consume counters.
func NewEventBusMetrics(mp metric.MeterProvider) (*eventBusMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(eventBusMetrics)
	var err error

	if m.published, err = meter.Int64Counter(
		"kafka_messages_published_total",
		metric.WithDescription("Total number of messages published to Kafka"),
	); err != nil {
		return nil, err
	}

	if m.consumed, err = meter.Int64Counter(
		"kafka_messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from Kafka"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"kafka_publish_errors_total",
		metric.WithDescription("Total number of Kafka publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"kafka_consume_errors_total",
		metric.WithDescription("Total number of Kafka consume errors"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *eventBusMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}
