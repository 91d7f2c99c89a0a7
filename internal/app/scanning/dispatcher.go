package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// RuleCatalog reports which custom rule categories exist.
type RuleCatalog interface {
	Has(id string) bool
}

// CreateJobRequest is a client's request for a new scan. RepositoryID is
// kept as text so malformed IDs surface as validation errors.
type CreateJobRequest struct {
	RepositoryID string
	Branch       string
	CommitHash   string
	ScanType     string
	CustomRules  []string
}

// Dispatcher creates scan jobs and hands them to the worker. Submission runs
// in the background; each created job gets exactly one Submit call.
type Dispatcher struct {
	jobs    scanning.JobRepository
	repos   scanning.RepositoryDirectory
	worker  scanning.Worker
	tracker *ProgressTracker
	rules   RuleCatalog
	events  events.DomainEventPublisher
	metrics ScanMetrics
	clock   scanning.TimeProvider

	callbackBaseURL string
	pollInterval    time.Duration

	submits sync.WaitGroup
	pollers sync.WaitGroup
	done    chan struct{}
	once    sync.Once

	logger *logger.Logger
	tracer trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCallbackBaseURL sets the public base URL the worker pushes progress
// to. Without it the worker receives no callback URL.
func WithCallbackBaseURL(base string) DispatcherOption {
	return func(d *Dispatcher) { d.callbackBaseURL = strings.TrimRight(base, "/") }
}

// WithPollInterval starts a status poller for every queued job.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithDispatcherClock overrides the wall clock.
func WithDispatcherClock(c scanning.TimeProvider) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	jobs scanning.JobRepository,
	repos scanning.RepositoryDirectory,
	worker scanning.Worker,
	tracker *ProgressTracker,
	rules RuleCatalog,
	eventPublisher events.DomainEventPublisher,
	metrics ScanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) *Dispatcher {
	if eventPublisher == nil {
		eventPublisher = events.NopPublisher{}
	}
	d := &Dispatcher{
		jobs:    jobs,
		repos:   repos,
		worker:  worker,
		tracker: tracker,
		rules:   rules,
		events:  eventPublisher,
		metrics: metrics,
		clock:   scanning.SystemClock{},
		done:    make(chan struct{}),
		logger:  logger.With("component", "dispatcher"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create validates req, persists a PENDING job and starts the submission to
// the worker. The returned job is the state as created.
func (d *Dispatcher) Create(ctx context.Context, req CreateJobRequest) (*scanning.Job, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.create",
		trace.WithAttributes(
			attribute.String("repository_id", req.RepositoryID),
			attribute.String("scan_type", req.ScanType),
		))
	defer span.End()

	repoID, err := uuid.Parse(strings.TrimSpace(req.RepositoryID))
	if err != nil || repoID == uuid.Nil {
		return nil, scanning.NewValidationError("repository_id", "must be a valid UUID")
	}
	scanType, err := scanning.ParseScanType(req.ScanType)
	if err != nil {
		return nil, scanning.NewValidationError("scan_type", err.Error())
	}
	switch {
	case scanType == scanning.ScanTypeCustom && len(req.CustomRules) == 0:
		return nil, scanning.NewValidationError("custom_rules", "required for CUSTOM scans")
	case scanType != scanning.ScanTypeCustom && len(req.CustomRules) > 0:
		return nil, scanning.NewValidationError("custom_rules", "only allowed for CUSTOM scans")
	}
	for _, rule := range req.CustomRules {
		if !d.rules.Has(rule) {
			return nil, scanning.NewValidationError("custom_rules", fmt.Sprintf("unknown rule %q", rule))
		}
	}

	repo, err := d.repos.GetRepository(ctx, repoID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = repo.DefaultBranch
	}

	job, err := scanning.NewJob(scanning.NewJobParams{
		RepositoryID: repoID,
		Branch:       branch,
		CommitHash:   strings.TrimSpace(req.CommitHash),
		ScanType:     scanType,
		CustomRules:  req.CustomRules,
	}, d.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := d.jobs.CreateJob(ctx, job); err != nil {
		var conflict *scanning.ActiveJobConflictError
		if errors.As(err, &conflict) {
			span.SetAttributes(attribute.String("active_job_id", conflict.ActiveJobID.String()))
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	span.SetAttributes(attribute.String("job_id", job.JobID().String()))
	d.metrics.IncJobsCreated(ctx)

	if err := d.events.PublishDomainEvent(ctx, scanning.NewJobCreatedEvent(job), events.WithKey(job.JobID().String())); err != nil {
		d.logger.Warn(ctx, "failed to publish job created event", "job_id", job.JobID(), "error", err)
	}

	submit := scanning.SubmitRequest{
		JobID:       job.JobID(),
		CloneURL:    repo.CloneURL,
		Branch:      job.Branch(),
		CommitHash:  job.CommitHash(),
		ScanType:    job.ScanType(),
		CustomRules: job.CustomRules(),
		CallbackURL: d.callbackURL(job.JobID()),
	}

	d.submits.Add(1)
	go d.submit(context.WithoutCancel(ctx), submit)

	d.logger.Info(ctx, "scan job created",
		"job_id", job.JobID(),
		"repository_id", repoID,
		"branch", branch,
		"scan_type", scanType,
	)
	return job, nil
}

// Wait blocks until every in-flight submission has finished.
func (d *Dispatcher) Wait() { d.submits.Wait() }

// Close stops the status pollers and waits for submissions and pollers to
// exit.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.submits.Wait()
	d.pollers.Wait()
}

func (d *Dispatcher) callbackURL(jobID uuid.UUID) string {
	if d.callbackBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/worker/scans/%s/progress", d.callbackBaseURL, jobID)
}

func (d *Dispatcher) submit(ctx context.Context, req scanning.SubmitRequest) {
	defer d.submits.Done()

	ctx, span := d.tracer.Start(ctx, "dispatcher.submit",
		trace.WithAttributes(attribute.String("job_id", req.JobID.String())))
	defer span.End()

	result, err := d.worker.Submit(ctx, req)
	if err != nil {
		dispatchErr := &scanning.DispatchError{JobID: req.JobID, Err: err}
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, "worker rejected job")
		d.metrics.IncDispatchFailures(ctx)
		d.logger.Warn(ctx, "worker did not accept job", "job_id", req.JobID, "error", err)

		if _, err := d.tracker.MarkDispatchFailed(ctx, req.JobID, dispatchErr); err != nil {
			d.logger.Error(ctx, "failed to record dispatch failure", "job_id", req.JobID, "error", err)
		}
		return
	}

	job, err := d.tracker.MarkQueued(ctx, req.JobID)
	if err != nil {
		d.logger.Error(ctx, "failed to mark job queued", "job_id", req.JobID, "error", err)
		return
	}

	if job.IsTerminal() {
		// Cancelled or failed while the submission was in flight.
		span.AddEvent("terminal_during_submit")
		if _, err := d.worker.Cancel(ctx, req.JobID); err != nil {
			d.logger.Warn(ctx, "best-effort cancel after submit failed", "job_id", req.JobID, "error", err)
		}
		return
	}
	span.SetStatus(codes.Ok, "job submitted")

	if result != nil {
		snap, err := d.tracker.ApplyUpdate(ctx, req.JobID, 0, *result)
		if err != nil {
			d.logger.Warn(ctx, "worker submit result not applied", "job_id", req.JobID, "error", err)
		}
		if snap != nil && snap.IsTerminal() {
			return
		}
	}

	if d.pollInterval > 0 {
		d.pollers.Add(1)
		go d.poll(ctx, req.JobID)
	}
}

// poll feeds worker status reports into the tracker until the job is
// terminal or the dispatcher is closed.
func (d *Dispatcher) poll(ctx context.Context, jobID uuid.UUID) {
	defer d.pollers.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var last scanning.ProgressUpdate
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		update, err := d.worker.Status(ctx, jobID)
		if err != nil {
			d.logger.Debug(ctx, "worker status poll failed", "job_id", jobID, "error", err)
			continue
		}
		if update == last {
			continue
		}
		last = update

		snap, err := d.tracker.ApplyUpdate(ctx, jobID, 0, update)
		switch {
		case errors.Is(err, scanning.ErrStaleUpdate):
			return
		case err != nil:
			continue
		case snap.IsTerminal():
			return
		}
	}
}
