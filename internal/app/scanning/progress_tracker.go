package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// DefaultMaxUpdateRetries bounds how often a revision-gated write is retried
// after losing a race.
const DefaultMaxUpdateRetries = 3

// errNoChange lets a mutation leave the job as loaded without writing.
var errNoChange = errors.New("no change")

// ProgressTracker ingests worker progress and is the single writer for
// worker-driven job state. The dispatcher and the cancellation coordinator
// route their transitions through it so every commit is published the same
// way.
type ProgressTracker struct {
	jobs       scanning.JobRepository
	publisher  scanning.SnapshotPublisher
	events     events.DomainEventPublisher
	metrics    ScanMetrics
	clock      scanning.TimeProvider
	maxRetries int

	logger *logger.Logger
	tracer trace.Tracer
}

// TrackerOption configures a ProgressTracker.
type TrackerOption func(*ProgressTracker)

// WithMaxUpdateRetries overrides DefaultMaxUpdateRetries.
func WithMaxUpdateRetries(n int) TrackerOption {
	return func(t *ProgressTracker) {
		if n > 0 {
			t.maxRetries = n
		}
	}
}

// WithTrackerClock overrides the wall clock.
func WithTrackerClock(c scanning.TimeProvider) TrackerOption {
	return func(t *ProgressTracker) { t.clock = c }
}

// NewProgressTracker creates a tracker that persists through jobs and
// publishes every committed snapshot to publisher.
func NewProgressTracker(
	jobs scanning.JobRepository,
	publisher scanning.SnapshotPublisher,
	eventPublisher events.DomainEventPublisher,
	metrics ScanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...TrackerOption,
) *ProgressTracker {
	if eventPublisher == nil {
		eventPublisher = events.NopPublisher{}
	}
	t := &ProgressTracker{
		jobs:       jobs,
		publisher:  publisher,
		events:     eventPublisher,
		metrics:    metrics,
		clock:      scanning.SystemClock{},
		maxRetries: DefaultMaxUpdateRetries,
		logger:     logger.With("component", "progress_tracker"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ApplyUpdate validates a worker progress report against the stored job and
// commits it. revisionSeen is the last revision the worker observed; zero
// skips that check. Discarded updates return *scanning.RejectedUpdateError.
func (t *ProgressTracker) ApplyUpdate(
	ctx context.Context,
	jobID uuid.UUID,
	revisionSeen int64,
	update scanning.ProgressUpdate,
) (*scanning.Snapshot, error) {
	ctx, span := t.tracer.Start(ctx, "progress_tracker.apply_update",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.Int64("revision_seen", revisionSeen),
			attribute.String("status", update.Status.String()),
			attribute.Int("progress", update.Progress),
		))
	defer span.End()

	var stored int64
	job, err := t.mutate(ctx, jobID, func(job *scanning.Job, now time.Time) error {
		stored = job.Revision()
		if revisionSeen > 0 && revisionSeen != job.Revision() {
			return fmt.Errorf("%w: revision %d observed, stored %d", scanning.ErrStaleUpdate, revisionSeen, job.Revision())
		}
		return job.ApplyProgress(update, now)
	})
	if err != nil {
		if rejected := t.asRejection(jobID, err); rejected != nil {
			rejected.Revision = stored
			reason := RejectionReason(rejected.Reason)
			span.SetAttributes(attribute.String("rejected", reason))
			t.metrics.IncUpdatesRejected(ctx, reason)
			t.logger.Debug(ctx, "progress update rejected",
				"job_id", jobID,
				"reason", reason,
				"detail", rejected.Detail,
				"revision", stored,
			)
			return nil, rejected
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply progress update")
		return nil, fmt.Errorf("failed to apply progress update: %w", err)
	}

	t.metrics.IncUpdatesAccepted(ctx)
	span.SetStatus(codes.Ok, "progress update applied")

	snap := job.Snapshot()
	return &snap, nil
}

// MarkQueued records that the worker accepted the job. A job that is no
// longer PENDING is returned unchanged so the caller can react to a
// cancellation or an early progress report.
func (t *ProgressTracker) MarkQueued(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	ctx, span := t.tracer.Start(ctx, "progress_tracker.mark_queued",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := t.mutate(ctx, jobID, func(job *scanning.Job, now time.Time) error {
		if job.Status() != scanning.JobStatusPending {
			return errNoChange
		}
		return job.MarkQueued(now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job queued")
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}
	return job, nil
}

// MarkDispatchFailed moves a job the worker rejected to FAILED with the
// dispatch error recorded. Terminal jobs are left as they are.
func (t *ProgressTracker) MarkDispatchFailed(ctx context.Context, jobID uuid.UUID, cause error) (*scanning.Job, error) {
	ctx, span := t.tracer.Start(ctx, "progress_tracker.mark_dispatch_failed",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := t.mutate(ctx, jobID, func(job *scanning.Job, now time.Time) error {
		if job.IsTerminal() {
			return errNoChange
		}
		return job.MarkFailed(cause.Error(), now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark dispatch failure")
		return nil, fmt.Errorf("failed to mark dispatch failure: %w", err)
	}
	return job, nil
}

// Snapshot returns the current observable state of a job.
func (t *ProgressTracker) Snapshot(ctx context.Context, jobID uuid.UUID) (*scanning.Snapshot, error) {
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := job.Snapshot()
	return &snap, nil
}

// mutate loads the job, applies fn and writes the result through the
// revision gate, reloading and reapplying fn when another writer won. fn
// returning errNoChange ends the loop without a write. Every successful
// write is published.
func (t *ProgressTracker) mutate(
	ctx context.Context,
	jobID uuid.UUID,
	fn func(job *scanning.Job, now time.Time) error,
) (*scanning.Job, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		job, err := t.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		from := job.Status()

		if err := fn(job, t.clock.Now()); err != nil {
			if errors.Is(err, errNoChange) {
				return job, nil
			}
			return nil, err
		}

		err = t.jobs.UpdateJob(ctx, job)
		if err == nil {
			t.afterCommit(ctx, job, from)
			return job, nil
		}
		if !errors.Is(err, scanning.ErrRevisionConflict) {
			return nil, err
		}

		lastErr = err
		t.logger.Debug(ctx, "revision conflict, reloading job",
			"job_id", jobID,
			"attempt", attempt+1,
		)
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", t.maxRetries+1, lastErr)
}

// afterCommit publishes the committed snapshot and, on status changes, a
// lifecycle event. Publish failures never undo the commit.
func (t *ProgressTracker) afterCommit(ctx context.Context, job *scanning.Job, from scanning.JobStatus) {
	if t.publisher != nil {
		t.publisher.Publish(ctx, job.Snapshot())
	}

	if job.Status() == from {
		return
	}
	if job.IsTerminal() {
		t.metrics.IncJobsTerminal(ctx, job.Status())
	}

	evt := scanning.NewJobStatusChangedEvent(job, from)
	if err := t.events.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		t.logger.Warn(ctx, "failed to publish status change event",
			"job_id", job.JobID(),
			"from", from,
			"to", job.Status(),
			"error", err,
		)
	}
}

// asRejection converts validation failures into *RejectedUpdateError. It
// returns nil for infrastructure errors.
func (t *ProgressTracker) asRejection(jobID uuid.UUID, err error) *scanning.RejectedUpdateError {
	var reason error
	switch {
	case errors.Is(err, scanning.ErrStaleUpdate),
		errors.Is(err, scanning.ErrJobNotFound),
		errors.Is(err, scanning.ErrJobTerminal):
		reason = scanning.ErrStaleUpdate
	case errors.Is(err, scanning.ErrOutOfOrderUpdate):
		reason = scanning.ErrOutOfOrderUpdate
	case errors.Is(err, scanning.ErrInvalidUpdate),
		errors.Is(err, scanning.ErrInvalidTransition):
		reason = scanning.ErrInvalidUpdate
	default:
		return nil
	}

	return &scanning.RejectedUpdateError{
		JobID:  jobID,
		Reason: reason,
		Detail: strings.TrimPrefix(err.Error(), reason.Error()+": "),
	}
}

// RejectionReason names the reason of a rejected update as used in metrics
// and API responses: stale, out_of_order or invalid.
func RejectionReason(reason error) string {
	switch {
	case errors.Is(reason, scanning.ErrStaleUpdate):
		return "stale"
	case errors.Is(reason, scanning.ErrOutOfOrderUpdate):
		return "out_of_order"
	default:
		return "invalid"
	}
}
