package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/storage"
)

var _ scanning.JobRepository = (*jobStore)(nil)

// jobStore implements scanning.JobRepository on PostgreSQL. The
// one-active-job rule is enforced by the scan_jobs_one_active_idx partial
// unique index and every update is gated on the revision column.
type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

const activeJobIndex = "scan_jobs_one_active_idx"

const jobColumns = `
	job_id, repository_id, branch, commit_hash, scan_type::text, custom_rules,
	status::text, progress, total_files, files_scanned,
	critical_count, high_count, medium_count, low_count, info_count,
	error_message, current_file, cancel_requested_at, started_at, completed_at,
	created_at, updated_at, revision`

const insertJobSQL = `
INSERT INTO scan_jobs (
	job_id, repository_id, branch, commit_hash, scan_type, custom_rules,
	status, progress, total_files, files_scanned,
	critical_count, high_count, medium_count, low_count, info_count,
	error_message, current_file, cancel_requested_at, started_at, completed_at,
	created_at, updated_at, revision
) VALUES (
	$1, $2, $3, $4, $5::scan_type, $6,
	$7::scan_job_status, $8, $9, $10,
	$11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20,
	$21, $22, $23
)`

const updateJobSQL = `
UPDATE scan_jobs SET
	status = $3::scan_job_status,
	progress = $4,
	total_files = $5,
	files_scanned = $6,
	critical_count = $7,
	high_count = $8,
	medium_count = $9,
	low_count = $10,
	info_count = $11,
	error_message = $12,
	current_file = $13,
	cancel_requested_at = $14,
	started_at = $15,
	completed_at = $16,
	updated_at = $17,
	revision = revision + 1
WHERE job_id = $1
	AND revision = $2
	AND status IN ('PENDING', 'QUEUED', 'RUNNING')`

// CreateJob persists a new scan job. A unique violation on the active-job
// index is translated into *scanning.ActiveJobConflictError. When the
// conflicting job finishes before it can be looked up, the insert is retried
// once since the pair is free again.
func (r *jobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("repository_id", job.RepositoryID().String()),
		attribute.String("branch", job.Branch()),
		attribute.String("status", job.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		s := job.State()
		sev := s.Severity
		for attempt := 0; ; attempt++ {
			_, err := r.db.Exec(ctx, insertJobSQL,
				pgUUID(s.JobID), pgUUID(s.RepositoryID), s.Branch, pgText(s.CommitHash), s.ScanType.String(), nonNil(s.CustomRules),
				s.Status.String(), s.Progress, s.TotalFiles, s.FilesScanned,
				sev.Critical, sev.High, sev.Medium, sev.Low, sev.Info,
				pgText(s.ErrorMessage), pgText(s.CurrentFile), pgTime(s.CancelRequestedAt), pgTime(s.StartedAt), pgTime(s.CompletedAt),
				s.CreatedAt, s.UpdatedAt, s.Revision,
			)
			if err == nil {
				return nil
			}

			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeJobIndex {
				activeID, lookupErr := r.activeJobID(ctx, s.RepositoryID, s.Branch)
				if errors.Is(lookupErr, pgx.ErrNoRows) && attempt == 0 {
					continue
				}
				return activeJobConflict(s.RepositoryID, s.Branch, activeID, lookupErr)
			}
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return scanning.ErrRepositoryNotFound
			}

			return fmt.Errorf("create job insert error: %w", err)
		}
	})
}

// activeJobConflict builds the conflict reported for a unique violation. An
// active job that vanished before the lookup leaves ActiveJobID as uuid.Nil.
func activeJobConflict(repositoryID uuid.UUID, branch string, activeID uuid.UUID, lookupErr error) error {
	if lookupErr != nil && !errors.Is(lookupErr, pgx.ErrNoRows) {
		return fmt.Errorf("active job lookup after conflict: %w", lookupErr)
	}
	return &scanning.ActiveJobConflictError{
		RepositoryID: repositoryID,
		Branch:       branch,
		ActiveJobID:  activeID,
	}
}

func (r *jobStore) activeJobID(ctx context.Context, repositoryID uuid.UUID, branch string) (uuid.UUID, error) {
	var id pgtype.UUID
	err := r.db.QueryRow(ctx, `
		SELECT job_id FROM scan_jobs
		WHERE repository_id = $1 AND branch = $2 AND status IN ('PENDING', 'QUEUED', 'RUNNING')
		LIMIT 1`,
		pgUUID(repositoryID), branch,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.UUID(id.Bytes), nil
}

// GetJob retrieves a job by ID.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE job_id = $1`, pgUUID(jobID))

		var err error
		job, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("get job query error: %w", err)
		}
		return nil
	})

	return job, err
}

// UpdateJob writes the job if the stored revision still equals
// job.Revision(). On success the job is advanced to the new revision.
func (r *jobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", job.Status().String()),
		attribute.Int64("revision", job.Revision()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		s := job.State()
		sev := s.Severity
		tag, err := r.db.Exec(ctx, updateJobSQL,
			pgUUID(s.JobID), s.Revision,
			s.Status.String(), s.Progress, s.TotalFiles, s.FilesScanned,
			sev.Critical, sev.High, sev.Medium, sev.Low, sev.Info,
			pgText(s.ErrorMessage), pgText(s.CurrentFile),
			pgTime(s.CancelRequestedAt), pgTime(s.StartedAt), pgTime(s.CompletedAt),
			s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update job query error: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return r.classifyMissedUpdate(ctx, s.JobID, s.Revision)
		}

		job.CommitRevision()
		trace.SpanFromContext(ctx).AddEvent("job_updated",
			trace.WithAttributes(attribute.Int64("new_revision", job.Revision())))
		return nil
	})
}

// classifyMissedUpdate explains why a revision-gated update touched no rows.
func (r *jobStore) classifyMissedUpdate(ctx context.Context, jobID uuid.UUID, revision int64) error {
	var (
		status string
		stored int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT status::text, revision FROM scan_jobs WHERE job_id = $1`, pgUUID(jobID),
	).Scan(&status, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanning.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("update job revision lookup error: %w", err)
	}

	if stored != revision {
		return scanning.ErrRevisionConflict
	}
	if scanning.JobStatus(status).IsTerminal() {
		return scanning.ErrJobTerminal
	}
	return scanning.ErrRevisionConflict
}

// ListJobs returns a page of jobs, newest first, and the total match count.
func (r *jobStore) ListJobs(ctx context.Context, filter scanning.JobFilter) ([]*scanning.Job, int, error) {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("repository_id", filter.RepositoryID.String()),
		attribute.String("status", filter.Status.String()),
		attribute.Int("page", filter.Page),
		attribute.Int("per_page", filter.PerPage),
	)

	var (
		jobs  []*scanning.Job
		total int
	)
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs", dbAttrs, func(ctx context.Context) error {
		repo := pgtype.UUID{Bytes: filter.RepositoryID, Valid: filter.RepositoryID != uuid.Nil}
		status := filter.Status.String()

		const where = `WHERE ($1::uuid IS NULL OR repository_id = $1) AND ($2 = '' OR status::text = $2)`

		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM scan_jobs `+where, repo, status).Scan(&total); err != nil {
			return fmt.Errorf("count jobs query error: %w", err)
		}

		rows, err := r.db.Query(ctx,
			`SELECT `+jobColumns+` FROM scan_jobs `+where+` ORDER BY created_at DESC, job_id LIMIT $3 OFFSET $4`,
			repo, status, filter.PerPage, filter.Offset(),
		)
		if err != nil {
			return fmt.Errorf("list jobs query error: %w", err)
		}

		jobs, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// ListPendingCancellations returns active jobs with a recorded cancel request.
func (r *jobStore) ListPendingCancellations(ctx context.Context) ([]*scanning.Job, error) {
	var jobs []*scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_pending_cancellations", storage.DefaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM scan_jobs
			WHERE cancel_requested_at IS NOT NULL AND status IN ('PENDING', 'QUEUED', 'RUNNING')
			ORDER BY cancel_requested_at`)
		if err != nil {
			return fmt.Errorf("list pending cancellations query error: %w", err)
		}

		jobs, err = collectJobs(rows)
		return err
	})

	return jobs, err
}

func collectJobs(rows pgx.Rows) ([]*scanning.Job, error) {
	defer rows.Close()

	var jobs []*scanning.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row error: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*scanning.Job, error) {
	var (
		jobID, repoID                     pgtype.UUID
		commitHash, errorMsg, currentFile pgtype.Text
		cancelAt, startedAt, completedAt  pgtype.Timestamptz
		scanType, status                  string
		s                                 scanning.JobState
	)

	err := row.Scan(
		&jobID, &repoID, &s.Branch, &commitHash, &scanType, &s.CustomRules,
		&status, &s.Progress, &s.TotalFiles, &s.FilesScanned,
		&s.Severity.Critical, &s.Severity.High, &s.Severity.Medium, &s.Severity.Low, &s.Severity.Info,
		&errorMsg, &currentFile, &cancelAt, &startedAt, &completedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.Revision,
	)
	if err != nil {
		return nil, err
	}

	s.JobID = uuid.UUID(jobID.Bytes)
	s.RepositoryID = uuid.UUID(repoID.Bytes)
	s.CommitHash = commitHash.String
	s.ScanType = scanning.ScanType(scanType)
	s.Status = scanning.JobStatus(status)
	s.ErrorMessage = errorMsg.String
	s.CurrentFile = currentFile.String
	s.CancelRequestedAt = fromPgTime(cancelAt)
	s.StartedAt = fromPgTime(startedAt)
	s.CompletedAt = fromPgTime(completedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	return scanning.ReconstructJob(s), nil
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgText(s string) pgtype.Text { return pgtype.Text{String: s, Valid: s != ""} }

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromPgTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
