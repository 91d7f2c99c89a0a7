// Package streaming fans committed job snapshots out to live viewers.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// DefaultQueueSize is the per-subscriber backlog before old snapshots are
// dropped.
const DefaultQueueSize = 16

// ErrBrokerClosed is returned by Subscribe after Close.
var ErrBrokerClosed = errors.New("stream broker closed")

// JobReader loads the current state of a job.
type JobReader interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error)
}

var _ scanning.SnapshotPublisher = (*Broker)(nil)

// Broker keeps the live subscriptions per job. Publish only takes short
// locks and never waits on a subscriber; each subscription drains its own
// bounded queue in a dedicated goroutine.
type Broker struct {
	jobs      JobReader
	queueSize int
	metrics   BrokerMetrics

	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	closed bool
	wg     sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Broker.
type Option func(*Broker)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics records subscriber counts and drops.
func WithMetrics(m BrokerMetrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates a Broker that reads initial snapshots from jobs.
func NewBroker(jobs JobReader, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Broker {
	b := &Broker{
		jobs:      jobs,
		queueSize: DefaultQueueSize,
		metrics:   nopMetrics{},
		subs:      make(map[uuid.UUID]map[*Subscription]struct{}),
		logger:    logger.With("component", "stream_broker"),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe starts a stream for jobID. The subscription is registered
// before the current snapshot is loaded, so no commit in between is lost;
// revision filtering removes the overlap. A job that is already terminal
// yields one snapshot and a closed channel. The subscription ends when ctx
// is done.
func (b *Broker) Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error) {
	ctx, span := b.tracer.Start(ctx, "stream_broker.subscribe",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	sub := newSubscription(b, jobID, b.queueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()
	b.metrics.SubscriberAdded(ctx)

	go sub.deliver()

	job, err := b.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		sub.Close()
		return nil, fmt.Errorf("failed to load job for stream: %w", err)
	}

	snap := job.Snapshot()
	sub.enqueue(ctx, snap)
	if snap.IsTerminal() {
		b.remove(sub)
		return sub, nil
	}

	sub.closeWith(ctx)
	b.logger.Debug(ctx, "subscriber added", "job_id", jobID, "revision", snap.Revision)

	return sub, nil
}

// Publish implements scanning.SnapshotPublisher. A terminal snapshot also
// unregisters the job's subscriptions; each ends once it is delivered.
func (b *Broker) Publish(ctx context.Context, snap scanning.Snapshot) {
	b.mu.Lock()
	set := b.subs[snap.JobID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ctx, snap)
	}

	if snap.IsTerminal() {
		for _, sub := range targets {
			b.remove(sub)
		}
	}
}

// Subscribers returns the number of registered subscriptions for jobID.
func (b *Broker) Subscribers(jobID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Close ends every subscription and waits for the delivery goroutines.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	b.wg.Wait()
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	set, ok := b.subs[sub.jobID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, registered := set[sub]; !registered {
		b.mu.Unlock()
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
	b.mu.Unlock()

	b.metrics.SubscriberRemoved(context.Background())
}
