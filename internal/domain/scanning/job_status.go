package scanning

import (
	"fmt"
	"strings"
)

// JobStatus represents the current state of a scan job. It enables tracking
// of the job lifecycle from creation through a terminal outcome.
type JobStatus string

const (
	// JobStatusPending indicates the job was created but not yet accepted by the worker.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusQueued indicates the worker accepted the job but has not reported progress.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusRunning indicates the worker is actively scanning.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCompleted indicates the scan finished successfully.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates dispatch or the scan itself failed.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled indicates the job was cancelled by a user.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// ActiveStatuses lists the non-terminal statuses. At most one job per
// (repository, branch) may hold one of them.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts toward the one-active-job rule.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning:
		return true
	default:
		return false
	}
}

// ParseJobStatus converts a string to a JobStatus. Unknown values map to
// the empty status.
func ParseJobStatus(s string) JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return JobStatusPending
	case "QUEUED":
		return JobStatusQueued
	case "RUNNING", "IN_PROGRESS":
		return JobStatusRunning
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	case "CANCELLED", "CANCELED":
		return JobStatusCancelled
	default:
		return ""
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error wrapping ErrInvalidTransition if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusQueued || target == JobStatusRunning ||
			target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusQueued:
		return target == JobStatusRunning || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed || target == JobStatusCancelled
	default:
		// Terminal states are absorbing.
		return false
	}
}
