// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scanline/internal/infra/eventbus/serialization"
	"github.com/ahrav/scanline/internal/infra/worker"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// LifecycleTopic receives job created and status changed events.
	LifecycleTopic string
	// ProgressTopic carries worker progress reports. Empty disables
	// consumption.
	ProgressTopic string

	// GroupID identifies the consumer group for this instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// ErrNoConsumer is returned by Subscribe when the bus was built without a
// consumer group.
var ErrNoConsumer = errors.New("kafka event bus has no consumer group")

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an EventBus from an existing producer and an optional
// consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.LifecycleTopic == "" {
		return nil, fmt.Errorf("lifecycle topic is required for kafka event bus")
	}

	topicMap := map[events.EventType]string{
		scanning.EventTypeJobCreated:       cfg.LifecycleTopic,
		scanning.EventTypeJobStatusChanged: cfg.LifecycleTopic,
	}
	if cfg.ProgressTopic != "" {
		topicMap[worker.EventTypeProgressReported] = cfg.ProgressTopic
	}

	return &EventBus{
		producer:       producer,
		consumerGroup:  consumerGroup,
		topicMap:       topicMap,
		commitInterval: time.Second,
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	params := events.ApplyOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, event.Key, b.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(event.Type)))

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range params.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)

	return nil
}

// Subscribe registers a handler for the given event types. Messages are
// consumed in a separate goroutine until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	if b.consumerGroup == nil {
		span.RecordError(ErrNoConsumer)
		return ErrNoConsumer
	}

	topicSet := make(map[string]struct{})
	var topics []string
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a consumer group session across rebalances.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	cgHandler := &domainEventHandler{
		userHandler:    handler,
		commitInterval: b.commitInterval,
		logger:         b.logger,
		tracer:         b.tracer,
		metrics:        b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler, decoding Kafka
// messages into domain events for the registered handler.
type domainEventHandler struct {
	userHandler    events.HandlerFunc
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition. Messages that
// cannot be decoded are marked and skipped; offsets are committed at most
// once per commit interval and again when the claim ends.
func (h *domainEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		h.handleMessage(sess, claim, msg, consumeLogger, &lastCommit)
	}

	sess.Commit()
	return nil
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
	lastCommit *time.Time,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payloadBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		h.skip(msgCtx, sess, msg, span, consumeLogger, err)
		return
	}
	payload, err := serialization.DeserializePayload(evtType, payloadBytes)
	if err != nil {
		h.skip(msgCtx, sess, msg, span, consumeLogger, err)
		return
	}

	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: claim.Partition(),
			Offset:    msg.Offset,
		},
	}

	ack := func(err error) {
		if err != nil {
			consumeLogger.Error(msgCtx, "Failed to acknowledge message", "error", err)
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to acknowledge message")
			return
		}
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")

		if time.Since(*lastCommit) > h.commitInterval {
			sess.Commit()
			*lastCommit = time.Now()
		}
	}

	if err := h.userHandler(msgCtx, evt, ack); err != nil {
		consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
		span.RecordError(err)
	}
}

func (h *domainEventHandler) skip(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	span trace.Span,
	consumeLogger *logger.Logger,
	err error,
) {
	span.RecordError(err)
	h.metrics.IncConsumeError(ctx, msg.Topic)
	consumeLogger.Warn(ctx, "Skipping undecodable message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"error", err,
	)
	sess.MarkMessage(msg, "")
}

// Close shuts down the producer and, if present, the consumer group.
func (b *EventBus) Close() error {
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		b.logger.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	b.logger.Info(ctx, "Closed event bus")
	return nil
}
