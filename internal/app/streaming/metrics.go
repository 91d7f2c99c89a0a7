package streaming

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// BrokerMetrics tracks stream fan-out.
type BrokerMetrics interface {
	SubscriberAdded(ctx context.Context)
	SubscriberRemoved(ctx context.Context)
	IncDropped(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) SubscriberAdded(context.Context)   {}
func (nopMetrics) SubscriberRemoved(context.Context) {}
func (nopMetrics) IncDropped(context.Context)        {}

type brokerMetrics struct {
	subscribers metric.Int64UpDownCounter
	dropped     metric.Int64Counter
}

// NewBrokerMetrics creates the stream instruments.
func NewBrokerMetrics(mp metric.MeterProvider) (*brokerMetrics, error) {
	meter := mp.Meter("stream_broker", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(brokerMetrics)
	var err error

	if m.subscribers, err = meter.Int64UpDownCounter(
		"stream_subscribers",
		metric.WithDescription("Number of live stream subscriptions"),
	); err != nil {
		return nil, err
	}

	if m.dropped, err = meter.Int64Counter(
		"stream_dropped_snapshots_total",
		metric.WithDescription("Total number of snapshots dropped from full subscriber queues"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *brokerMetrics) SubscriberAdded(ctx context.Context)   { m.subscribers.Add(ctx, 1) }
func (m *brokerMetrics) SubscriberRemoved(ctx context.Context) { m.subscribers.Add(ctx, -1) }
func (m *brokerMetrics) IncDropped(ctx context.Context)        { m.dropped.Add(ctx, 1) }
