package scanning

import (
	"context"

	"github.com/google/uuid"
)

// JobRepository is the scan store. Implementations enforce the
// one-active-job-per-(repository, branch) rule atomically in CreateJob and
// gate every UpdateJob on the job's revision.
type JobRepository interface {
	// CreateJob persists a new job. It returns *ActiveJobConflictError when
	// another job for the same repository and branch is still active.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob loads a job, returning ErrJobNotFound when it does not exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJob writes the job if the stored revision equals job.Revision()
	// and then advances job to the new revision. A mismatch returns
	// ErrRevisionConflict and a missing row ErrJobNotFound.
	UpdateJob(ctx context.Context, job *Job) error

	// ListJobs returns a page of jobs ordered newest first and the total
	// number of jobs matching the filter.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int, error)

	// ListPendingCancellations returns non-terminal jobs that carry a
	// cancellation request.
	ListPendingCancellations(ctx context.Context) ([]*Job, error)
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	RepositoryID uuid.UUID
	Status       JobStatus
	Page         int
	PerPage      int
}

// Offset returns the row offset of the requested page.
func (f JobFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PerPage
}

// Repository is the subset of a source repository the core needs.
type Repository struct {
	ID            uuid.UUID
	FullName      string
	CloneURL      string
	DefaultBranch string
}

// RepositoryDirectory resolves repositories owned by the surrounding
// product. It performs the existence and access check for new scans.
type RepositoryDirectory interface {
	// GetRepository returns ErrRepositoryNotFound for unknown repositories.
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)
}

// SubmitRequest is what the dispatcher sends to the worker.
type SubmitRequest struct {
	JobID       uuid.UUID
	CloneURL    string
	Branch      string
	CommitHash  string
	ScanType    ScanType
	CustomRules []string
	CallbackURL string
}

// Worker is the external scanning worker.
type Worker interface {
	// Submit hands a job to the worker. Any error means the worker did not
	// accept it. Workers that scan synchronously answer with the outcome,
	// returned as a non-nil update; otherwise the result is nil and progress
	// arrives later.
	Submit(ctx context.Context, req SubmitRequest) (*ProgressUpdate, error)

	// Cancel signals cancellation. acknowledged is true when the worker
	// confirmed the job stopped.
	Cancel(ctx context.Context, jobID uuid.UUID) (acknowledged bool, err error)

	// Status polls the worker for the latest progress of a job.
	Status(ctx context.Context, jobID uuid.UUID) (ProgressUpdate, error)
}

// SnapshotPublisher receives every committed snapshot. The stream broker and
// the cross-instance relay implement it.
type SnapshotPublisher interface {
	Publish(ctx context.Context, snap Snapshot)
}

// SnapshotPublishers fans a snapshot out to several publishers in order.
type SnapshotPublishers []SnapshotPublisher

// Publish implements SnapshotPublisher.
func (ps SnapshotPublishers) Publish(ctx context.Context, snap Snapshot) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, snap)
		}
	}
}
