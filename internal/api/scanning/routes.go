// Package scanning binds the scan job endpoints and the worker progress
// callback.
package scanning

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/api/envelope"
	"github.com/ahrav/scanline/internal/api/errs"
	scanApp "github.com/ahrav/scanline/internal/app/scanning"
	"github.com/ahrav/scanline/internal/app/streaming"
	scanDomain "github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/worker"
	"github.com/ahrav/scanline/pkg/common/logger"
	"github.com/ahrav/scanline/pkg/web"
)

// Paging limits for the list endpoint.
const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// DefaultKeepAlive is the interval between SSE keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// WorkerTokenHeader authenticates worker callbacks.
const WorkerTokenHeader = "X-Worker-Token"

// RequestMetrics counts scan creation requests.
type RequestMetrics interface {
	IncScanRequestsTotal(ctx context.Context)
	IncScanRequestErrors(ctx context.Context, reason string)
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log         *logger.Logger
	Jobs        scanDomain.JobRepository
	Dispatcher  *scanApp.Dispatcher
	Tracker     *scanApp.ProgressTracker
	Coordinator *scanApp.CancellationCoordinator
	Broker      *streaming.Broker
	Metrics     RequestMetrics

	// WorkerToken, when set, must match the X-Worker-Token header of
	// progress callbacks.
	WorkerToken string
	// KeepAlive overrides DefaultKeepAlive.
	KeepAlive time.Duration
}

// Routes binds all the scan endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	app.HandlerFunc(http.MethodPost, version, "/scans", create(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans", list(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}", getJob(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}/progress", progress(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}/stream", stream(cfg))
	app.HandlerFunc(http.MethodPost, version, "/scans/{id}/cancel", cancel(cfg))

	app.HandlerFunc(http.MethodPost, version, "/worker/scans/{id}/progress", workerProgress(cfg))
}

func jobID(r *http.Request) (uuid.UUID, *errs.Error) {
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, errs.Newf(errs.InvalidArgument, "invalid scan id %q", web.Param(r, "id")).
			WithDetail("id", "must be a valid UUID")
	}
	return id, nil
}

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if cfg.Metrics != nil {
			cfg.Metrics.IncScanRequestsTotal(ctx)
		}

		var req createRequest
		if err := web.Decode(r, &req, false); err != nil {
			cfg.countError(ctx, "decode")
			return errs.Wrap(err)
		}
		if err := errs.Check(req); err != nil {
			cfg.countError(ctx, "validation")
			return errs.FromDomain(err)
		}

		job, err := cfg.Dispatcher.Create(ctx, scanApp.CreateJobRequest{
			RepositoryID: req.RepositoryID,
			Branch:       req.Branch,
			CommitHash:   req.CommitHash,
			ScanType:     req.ScanType,
			CustomRules:  req.CustomRules,
		})
		if err != nil {
			appErr := errs.FromDomain(err)
			cfg.countError(ctx, strings.ToLower(appErr.Code.String()))
			return appErr
		}

		return envelope.Created(toJobResponse(job))
	}
}

func (cfg Config) countError(ctx context.Context, reason string) {
	if cfg.Metrics != nil {
		cfg.Metrics.IncScanRequestErrors(ctx, reason)
	}
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		q := r.URL.Query()
		var filter scanDomain.JobFilter

		if v := strings.TrimSpace(q.Get("repository_id")); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return errs.Newf(errs.InvalidArgument, "invalid repository_id").
					WithDetail("repository_id", "must be a valid UUID")
			}
			filter.RepositoryID = id
		}
		if v := strings.TrimSpace(q.Get("status")); v != "" {
			filter.Status = scanDomain.ParseJobStatus(v)
			if filter.Status == "" {
				return errs.Newf(errs.InvalidArgument, "invalid status %q", v).
					WithDetail("status", "unknown status")
			}
		}

		page, err := web.QueryInt(r, "page", 1)
		if err != nil || page < 1 {
			return errs.Newf(errs.InvalidArgument, "invalid page").WithDetail("page", "must be a positive integer")
		}
		perPage, err := web.QueryInt(r, "per_page", defaultPerPage)
		if err != nil || perPage < 1 {
			return errs.Newf(errs.InvalidArgument, "invalid per_page").WithDetail("per_page", "must be a positive integer")
		}
		filter.Page = page
		filter.PerPage = min(perPage, maxPerPage)

		jobs, total, err := cfg.Jobs.ListJobs(ctx, filter)
		if err != nil {
			return errs.FromDomain(err)
		}

		items := make([]jobResponse, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, toJobResponse(job))
		}
		return envelope.Page(items, envelope.NewMeta(filter.Page, filter.PerPage, total))
	}
}

func getJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := jobID(r)
		if idErr != nil {
			return idErr
		}

		job, err := cfg.Jobs.GetJob(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return envelope.OK(toJobResponse(job))
	}
}

func progress(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := jobID(r)
		if idErr != nil {
			return idErr
		}

		snap, err := cfg.Tracker.Snapshot(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return envelope.OK(toProgressResponse(*snap))
	}
}

func cancel(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := jobID(r)
		if idErr != nil {
			return idErr
		}

		job, err := cfg.Coordinator.Cancel(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return envelope.Accepted(toJobResponse(job))
	}
}

// workerProgress ingests a progress report pushed by the worker. Outcomes of
// the update itself are reported in the body; the status is always 202 once
// the caller is authenticated.
func workerProgress(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if cfg.WorkerToken != "" {
			got := r.Header.Get(WorkerTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.WorkerToken)) != 1 {
				return errs.Newf(errs.Unauthenticated, "invalid worker token")
			}
		}

		id, idErr := jobID(r)
		if idErr != nil {
			return envelope.Accepted(progressAck{Reason: "invalid"})
		}

		// Workers send more than the progress fields, so unknown fields are
		// tolerated here.
		var report worker.ProgressReport
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&report); err != nil {
			return envelope.Accepted(progressAck{Reason: "invalid"})
		}
		if report.ScanID != "" && report.ScanID != id.String() {
			return envelope.Accepted(progressAck{Reason: "invalid"})
		}

		snap, err := cfg.Tracker.ApplyUpdate(ctx, id, report.RevisionSeen, report.Update())
		if err != nil {
			var rejected *scanDomain.RejectedUpdateError
			if errors.As(err, &rejected) {
				return envelope.Accepted(progressAck{
					Reason:   scanApp.RejectionReason(rejected.Reason),
					Revision: rejected.Revision,
				})
			}
			cfg.Log.Error(ctx, "failed to apply worker progress", "job_id", id, "error", err)
			return envelope.Accepted(progressAck{Reason: "error"})
		}

		return envelope.Accepted(progressAck{Accepted: true, Revision: snap.Revision})
	}
}
