package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/events"
)

// Event types relevant to scan jobs.
const (
	EventTypeJobCreated       events.EventType = "ScanJobCreated"
	EventTypeJobStatusChanged events.EventType = "ScanJobStatusChanged"
)

// JobCreatedEvent is emitted once the dispatcher persisted a new job.
type JobCreatedEvent struct {
	occurredAt   time.Time
	JobID        uuid.UUID
	RepositoryID uuid.UUID
	Branch       string
	ScanType     ScanType
}

// NewJobCreatedEvent creates a JobCreatedEvent for job.
func NewJobCreatedEvent(job *Job) JobCreatedEvent {
	return JobCreatedEvent{
		occurredAt:   job.CreatedAt(),
		JobID:        job.JobID(),
		RepositoryID: job.RepositoryID(),
		Branch:       job.Branch(),
		ScanType:     job.ScanType(),
	}
}

func (e JobCreatedEvent) EventType() events.EventType { return EventTypeJobCreated }
func (e JobCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStatusChangedEvent is emitted for every committed status change.
type JobStatusChangedEvent struct {
	occurredAt   time.Time
	JobID        uuid.UUID
	From         JobStatus
	To           JobStatus
	Revision     int64
	ErrorMessage string
}

// NewJobStatusChangedEvent creates a JobStatusChangedEvent for job, which
// must already hold the new status.
func NewJobStatusChangedEvent(job *Job, from JobStatus) JobStatusChangedEvent {
	return JobStatusChangedEvent{
		occurredAt:   job.UpdatedAt(),
		JobID:        job.JobID(),
		From:         from,
		To:           job.Status(),
		Revision:     job.Revision(),
		ErrorMessage: job.ErrorMessage(),
	}
}

func (e JobStatusChangedEvent) EventType() events.EventType { return EventTypeJobStatusChanged }
func (e JobStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// WithOccurredAt returns a copy of the event with the given occurrence time.
func (e JobStatusChangedEvent) WithOccurredAt(t time.Time) JobStatusChangedEvent {
	e.occurredAt = t
	return e
}

// WithOccurredAt returns a copy of the event with the given occurrence time.
func (e JobCreatedEvent) WithOccurredAt(t time.Time) JobCreatedEvent {
	e.occurredAt = t
	return e
}
