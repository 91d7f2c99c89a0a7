package scanning

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned when a scan job does not exist.
	ErrJobNotFound = errors.New("scan job not found")

	// ErrRepositoryNotFound is returned when the repository directory does not
	// know the repository, or the caller may not access it.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrActiveJobExists is wrapped by ActiveJobConflictError.
	ErrActiveJobExists = errors.New("an active scan job already exists for this repository and branch")

	// ErrJobTerminal is returned when mutating or cancelling a job in a terminal status.
	ErrJobTerminal = errors.New("scan job is in a terminal state")

	// ErrRevisionConflict is returned by stores when a write carries a stale revision.
	ErrRevisionConflict = errors.New("scan job revision conflict")

	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStaleUpdate rejects updates for unknown or terminal jobs, or updates
	// that observed an older revision.
	ErrStaleUpdate = errors.New("stale progress update")

	// ErrOutOfOrderUpdate rejects updates whose counters or progress regress.
	ErrOutOfOrderUpdate = errors.New("out of order progress update")

	// ErrInvalidUpdate rejects malformed updates.
	ErrInvalidUpdate = errors.New("invalid progress update")

	// ErrCancelTimeout marks a cancellation the worker never confirmed.
	ErrCancelTimeout = errors.New("cancellation not confirmed by worker")
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ActiveJobConflictError is returned when a job is created for a
// (repository, branch) pair that already has an active job.
type ActiveJobConflictError struct {
	RepositoryID uuid.UUID
	Branch       string
	ActiveJobID  uuid.UUID
}

func (e *ActiveJobConflictError) Error() string {
	return fmt.Sprintf("%s: repository %s branch %q has active job %s",
		ErrActiveJobExists, e.RepositoryID, e.Branch, e.ActiveJobID)
}

func (e *ActiveJobConflictError) Unwrap() error { return ErrActiveJobExists }

// DispatchError records a failed submission to the worker.
type DispatchError struct {
	JobID uuid.UUID
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of job %s failed: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RejectedUpdateError is returned by the progress tracker for every update
// it discards. Reason is one of ErrStaleUpdate, ErrOutOfOrderUpdate or
// ErrInvalidUpdate. Revision is the job's stored revision when the update
// was judged, zero if the job could not be loaded.
type RejectedUpdateError struct {
	JobID    uuid.UUID
	Reason   error
	Detail   string
	Revision int64
}

func (e *RejectedUpdateError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("update for job %s rejected: %v", e.JobID, e.Reason)
	}
	return fmt.Sprintf("update for job %s rejected: %v: %s", e.JobID, e.Reason, e.Detail)
}

func (e *RejectedUpdateError) Unwrap() error { return e.Reason }

// CancelTimeoutError is logged when the grace period elapses before the
// worker confirms a cancellation.
type CancelTimeoutError struct {
	JobID uuid.UUID
	Grace time.Duration
}

func (e *CancelTimeoutError) Error() string {
	return fmt.Sprintf("%s: job %s within %s", ErrCancelTimeout, e.JobID, e.Grace)
}

func (e *CancelTimeoutError) Unwrap() error { return ErrCancelTimeout }

// IsNotFound reports whether err denotes an unknown job or repository.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrRepositoryNotFound)
}

// IsConflict reports whether err denotes a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrActiveJobExists) || errors.Is(err, ErrJobTerminal)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
