package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// DefaultCancelGrace is how long the worker has to confirm a cancellation
// before the job is resolved without it.
const DefaultCancelGrace = 30 * time.Second

// CancellationCoordinator turns cancel requests into CANCELLED jobs. Jobs the
// worker has not seen are cancelled at once; jobs the worker holds get a
// cancel signal and a grace timer. Whichever of the worker's terminal report,
// the signal's acknowledgement or the timer commits first wins the revision
// gate; the others find a terminal job and do nothing.
type CancellationCoordinator struct {
	tracker *ProgressTracker
	jobs    scanning.JobRepository
	worker  scanning.Worker
	metrics ScanMetrics
	clock   scanning.TimeProvider
	grace   time.Duration

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool

	// Signal goroutines and timer callbacks run on ctx, which Stop cancels.
	ctx     context.Context
	cancel  context.CancelFunc
	signals sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// CoordinatorOption configures a CancellationCoordinator.
type CoordinatorOption func(*CancellationCoordinator)

// WithCancelGrace overrides DefaultCancelGrace.
func WithCancelGrace(grace time.Duration) CoordinatorOption {
	return func(c *CancellationCoordinator) {
		if grace > 0 {
			c.grace = grace
		}
	}
}

// WithCoordinatorClock overrides the wall clock.
func WithCoordinatorClock(clock scanning.TimeProvider) CoordinatorOption {
	return func(c *CancellationCoordinator) { c.clock = clock }
}

// NewCancellationCoordinator creates a coordinator that writes through tracker.
func NewCancellationCoordinator(
	tracker *ProgressTracker,
	jobs scanning.JobRepository,
	worker scanning.Worker,
	metrics ScanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...CoordinatorOption,
) *CancellationCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CancellationCoordinator{
		tracker: tracker,
		jobs:    jobs,
		worker:  worker,
		metrics: metrics,
		clock:   scanning.SystemClock{},
		grace:   DefaultCancelGrace,
		timers:  make(map[uuid.UUID]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "cancellation_coordinator"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel requests cancellation of a job and returns its state after the
// request was recorded. A terminal job yields scanning.ErrJobTerminal.
// Repeated requests while a timer is armed return the current state.
func (c *CancellationCoordinator) Cancel(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	ctx, span := c.tracer.Start(ctx, "cancellation_coordinator.cancel",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := c.tracker.mutate(ctx, jobID, func(job *scanning.Job, now time.Time) error {
		switch {
		case job.IsTerminal():
			return scanning.ErrJobTerminal
		case job.Status() == scanning.JobStatusPending:
			return job.Cancel("", now)
		}
		if _, requested := job.CancelRequestedAt(); requested {
			return errNoChange
		}
		return job.RequestCancel(now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return nil, err
	}
	c.metrics.IncCancelRequests(ctx)

	if job.IsTerminal() {
		span.AddEvent("cancelled_before_dispatch")
		c.logger.Info(ctx, "job cancelled before reaching the worker", "job_id", jobID)
		return job, nil
	}

	requestedAt, _ := job.CancelRequestedAt()
	if c.arm(jobID, requestedAt) {
		span.AddEvent("grace_timer_armed")
		c.logger.Info(ctx, "cancellation requested", "job_id", jobID, "grace", c.grace)
	}
	return job, nil
}

// Recover re-arms grace timers for cancellations that were pending when the
// process stopped. Timers use whatever grace remains; expired ones resolve
// immediately. It returns the number of jobs recovered.
func (c *CancellationCoordinator) Recover(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "cancellation_coordinator.recover")
	defer span.End()

	pending, err := c.jobs.ListPendingCancellations(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending cancellations")
		return 0, fmt.Errorf("failed to list pending cancellations: %w", err)
	}

	recovered := 0
	for _, job := range pending {
		requestedAt, ok := job.CancelRequestedAt()
		if !ok || job.IsTerminal() {
			continue
		}
		if c.arm(job.JobID(), requestedAt) {
			recovered++
		}
	}
	span.SetAttributes(attribute.Int("recovered", recovered))
	c.logger.Info(ctx, "recovered pending cancellations", "count", recovered)

	return recovered, nil
}

// Stop disarms every timer and waits for in-flight cancel signals to end.
func (c *CancellationCoordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.signals.Wait()
}

// Pending reports how many grace timers are armed.
func (c *CancellationCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// arm starts the grace timer and the worker signal for jobID. It reports
// false when a timer is already armed or the coordinator is stopped.
func (c *CancellationCoordinator) arm(jobID uuid.UUID, requestedAt time.Time) bool {
	remaining := c.grace - c.clock.Now().Sub(requestedAt)
	remaining = max(remaining, 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if _, armed := c.timers[jobID]; armed {
		return false
	}

	c.timers[jobID] = time.AfterFunc(remaining, func() { c.expire(jobID) })

	c.signals.Add(1)
	go c.signal(jobID, remaining)
	return true
}

func (c *CancellationCoordinator) disarm(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[jobID]; ok {
		t.Stop()
		delete(c.timers, jobID)
	}
}

// signal sends the cancel request to the worker, retrying with exponential
// backoff until the grace period would be exceeded.
func (c *CancellationCoordinator) signal(jobID uuid.UUID, window time.Duration) {
	defer c.signals.Done()

	ctx, span := c.tracer.Start(c.ctx, "cancellation_coordinator.signal_worker",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	if window <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = window

	var acknowledged bool
	operation := func() error {
		ack, err := c.worker.Cancel(ctx, jobID)
		if err != nil {
			c.logger.Debug(ctx, "cancel signal failed, retrying", "job_id", jobID, "error", err)
			return err
		}
		acknowledged = ack
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		c.logger.Warn(ctx, "worker never received cancel signal", "job_id", jobID, "error", err)
		return
	}
	if !acknowledged {
		span.AddEvent("signal_delivered")
		return
	}

	span.AddEvent("worker_acknowledged")
	c.resolve(context.WithoutCancel(ctx), jobID, "")
}

// expire force-resolves a job the worker did not confirm within the grace
// period.
func (c *CancellationCoordinator) expire(jobID uuid.UUID) {
	c.mu.Lock()
	delete(c.timers, jobID)
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	ctx, span := c.tracer.Start(c.ctx, "cancellation_coordinator.expire",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	note := fmt.Sprintf("cancellation not confirmed by worker within %s", c.grace)
	if !c.resolve(ctx, jobID, note) {
		return
	}

	timeoutErr := &scanning.CancelTimeoutError{JobID: jobID, Grace: c.grace}
	span.RecordError(timeoutErr)
	c.metrics.IncCancelTimeouts(ctx)
	c.logger.Warn(ctx, "forced cancellation", "job_id", jobID, "error", timeoutErr)
}

// resolve commits CANCELLED unless another writer made the job terminal
// first. It reports whether this call did the commit.
func (c *CancellationCoordinator) resolve(ctx context.Context, jobID uuid.UUID, note string) bool {
	resolved := false
	_, err := c.tracker.mutate(ctx, jobID, func(job *scanning.Job, now time.Time) error {
		resolved = !job.IsTerminal()
		if !resolved {
			return errNoChange
		}
		return job.Cancel(note, now)
	})
	if err != nil {
		c.logger.Error(ctx, "failed to resolve cancellation", "job_id", jobID, "error", err)
		return false
	}
	c.disarm(jobID)
	return resolved
}
