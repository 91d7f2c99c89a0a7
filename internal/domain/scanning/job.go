package scanning

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is one scan run against a repository branch. All mutations go through
// its methods, which enforce the state machine and the progress invariants.
// Stores persist a mutated Job with a write gated on Revision.
type Job struct {
	jobID        uuid.UUID
	repositoryID uuid.UUID
	branch       string
	commitHash   string
	scanType     ScanType
	customRules  []string

	status       JobStatus
	progress     int
	totalFiles   int
	filesScanned int
	severity     SeverityCounts
	errorMessage string
	currentFile  string

	cancelRequestedAt time.Time
	startedAt         time.Time
	completedAt       time.Time
	createdAt         time.Time
	updatedAt         time.Time

	revision int64
}

// NewJobParams holds the inputs for creating a job.
type NewJobParams struct {
	RepositoryID uuid.UUID
	Branch       string
	CommitHash   string
	ScanType     ScanType
	CustomRules  []string
}

// NewJob creates a PENDING job at revision 1.
func NewJob(p NewJobParams, now time.Time) (*Job, error) {
	if p.RepositoryID == uuid.Nil {
		return nil, NewValidationError("repository_id", "is required")
	}

	branch := strings.TrimSpace(p.Branch)
	if branch == "" {
		return nil, NewValidationError("branch", "is required")
	}

	scanType := p.ScanType
	if scanType == "" {
		scanType = ScanTypeFull
	}
	if _, err := ParseScanType(string(scanType)); err != nil {
		return nil, NewValidationError("scan_type", err.Error())
	}

	switch {
	case scanType == ScanTypeCustom && len(p.CustomRules) == 0:
		return nil, NewValidationError("custom_rules", "required for CUSTOM scans")
	case scanType != ScanTypeCustom && len(p.CustomRules) > 0:
		return nil, NewValidationError("custom_rules", "only allowed for CUSTOM scans")
	}

	return &Job{
		jobID:        uuid.New(),
		repositoryID: p.RepositoryID,
		branch:       branch,
		commitHash:   strings.TrimSpace(p.CommitHash),
		scanType:     scanType,
		customRules:  slices.Clone(p.CustomRules),
		status:       JobStatusPending,
		createdAt:    now,
		updatedAt:    now,
		revision:     1,
	}, nil
}

// JobState is the full persisted representation of a job. Stores use it to
// rebuild a Job without re-running creation checks.
type JobState struct {
	JobID             uuid.UUID
	RepositoryID      uuid.UUID
	Branch            string
	CommitHash        string
	ScanType          ScanType
	CustomRules       []string
	Status            JobStatus
	Progress          int
	TotalFiles        int
	FilesScanned      int
	Severity          SeverityCounts
	ErrorMessage      string
	CurrentFile       string
	CancelRequestedAt time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Revision          int64
}

// ReconstructJob rebuilds a Job from stored fields.
// This should only be used by repositories when loading from storage.
func ReconstructJob(s JobState) *Job {
	return &Job{
		jobID:             s.JobID,
		repositoryID:      s.RepositoryID,
		branch:            s.Branch,
		commitHash:        s.CommitHash,
		scanType:          s.ScanType,
		customRules:       slices.Clone(s.CustomRules),
		status:            s.Status,
		progress:          s.Progress,
		totalFiles:        s.TotalFiles,
		filesScanned:      s.FilesScanned,
		severity:          s.Severity,
		errorMessage:      s.ErrorMessage,
		currentFile:       s.CurrentFile,
		cancelRequestedAt: s.CancelRequestedAt,
		startedAt:         s.StartedAt,
		completedAt:       s.CompletedAt,
		createdAt:         s.CreatedAt,
		updatedAt:         s.UpdatedAt,
		revision:          s.Revision,
	}
}

// State returns a copy of every field for persistence.
func (j *Job) State() JobState {
	return JobState{
		JobID:             j.jobID,
		RepositoryID:      j.repositoryID,
		Branch:            j.branch,
		CommitHash:        j.commitHash,
		ScanType:          j.scanType,
		CustomRules:       slices.Clone(j.customRules),
		Status:            j.status,
		Progress:          j.progress,
		TotalFiles:        j.totalFiles,
		FilesScanned:      j.filesScanned,
		Severity:          j.severity,
		ErrorMessage:      j.errorMessage,
		CurrentFile:       j.currentFile,
		CancelRequestedAt: j.cancelRequestedAt,
		StartedAt:         j.startedAt,
		CompletedAt:       j.completedAt,
		CreatedAt:         j.createdAt,
		UpdatedAt:         j.updatedAt,
		Revision:          j.revision,
	}
}

// Clone returns an independent copy of the job.
func (j *Job) Clone() *Job { return ReconstructJob(j.State()) }

func (j *Job) JobID() uuid.UUID          { return j.jobID }
func (j *Job) RepositoryID() uuid.UUID   { return j.repositoryID }
func (j *Job) Branch() string            { return j.branch }
func (j *Job) CommitHash() string        { return j.commitHash }
func (j *Job) ScanType() ScanType        { return j.scanType }
func (j *Job) CustomRules() []string     { return slices.Clone(j.customRules) }
func (j *Job) Status() JobStatus         { return j.status }
func (j *Job) Progress() int             { return j.progress }
func (j *Job) TotalFiles() int           { return j.totalFiles }
func (j *Job) FilesScanned() int         { return j.filesScanned }
func (j *Job) Severity() SeverityCounts  { return j.severity }
func (j *Job) ErrorMessage() string      { return j.errorMessage }
func (j *Job) CurrentFile() string       { return j.currentFile }
func (j *Job) CreatedAt() time.Time      { return j.createdAt }
func (j *Job) UpdatedAt() time.Time      { return j.updatedAt }
func (j *Job) Revision() int64           { return j.revision }
func (j *Job) IsTerminal() bool          { return j.status.IsTerminal() }
func (j *Job) VulnerabilitiesFound() int { return j.severity.Total() }

// StartedAt returns when the worker first reported progress.
func (j *Job) StartedAt() (time.Time, bool) { return j.startedAt, !j.startedAt.IsZero() }

// CompletedAt returns when the job reached a terminal status.
func (j *Job) CompletedAt() (time.Time, bool) { return j.completedAt, !j.completedAt.IsZero() }

// CancelRequestedAt returns when a cancellation was first requested.
func (j *Job) CancelRequestedAt() (time.Time, bool) {
	return j.cancelRequestedAt, !j.cancelRequestedAt.IsZero()
}

// CommitRevision advances the revision after a store accepted the write.
// Stores call it exactly once per successful revision-gated update.
func (j *Job) CommitRevision() { j.revision++ }

// MarkQueued records that the worker accepted the job.
func (j *Job) MarkQueued(now time.Time) error {
	return j.transition(JobStatusQueued, now)
}

// MarkFailed moves the job to FAILED and records msg.
func (j *Job) MarkFailed(msg string, now time.Time) error {
	if err := j.transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.errorMessage = msg
	j.currentFile = ""
	return nil
}

// RequestCancel records the first cancellation request. Repeated requests
// keep the original timestamp.
func (j *Job) RequestCancel(now time.Time) error {
	if j.IsTerminal() {
		return ErrJobTerminal
	}
	if j.cancelRequestedAt.IsZero() {
		j.cancelRequestedAt = now
		j.updatedAt = now
	}
	return nil
}

// Cancel resolves the job to CANCELLED. A non-empty note is kept as the
// error message.
func (j *Job) Cancel(note string, now time.Time) error {
	if err := j.transition(JobStatusCancelled, now); err != nil {
		return err
	}
	if note != "" {
		j.errorMessage = note
	}
	j.currentFile = ""
	return nil
}

// ProgressUpdate is one progress report from the worker. Counters are
// cumulative. An empty Status leaves the status to the tracker's default.
type ProgressUpdate struct {
	Status       JobStatus
	Progress     int
	CurrentFile  string
	FilesScanned int
	TotalFiles   int
	Severity     SeverityCounts
	ErrorMessage string
}

// ApplyProgress validates u against the current state and merges it. It
// returns ErrStaleUpdate, ErrOutOfOrderUpdate or ErrInvalidUpdate (wrapped
// with detail) and leaves the job untouched on rejection.
func (j *Job) ApplyProgress(u ProgressUpdate, now time.Time) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrStaleUpdate, j.status)
	}

	switch u.Status {
	case "", JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
	default:
		return fmt.Errorf("%w: worker cannot report status %q", ErrInvalidUpdate, u.Status)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return fmt.Errorf("%w: progress %d outside [0,100]", ErrInvalidUpdate, u.Progress)
	}
	if u.FilesScanned < 0 || u.TotalFiles < 0 || u.Severity.hasNegative() {
		return fmt.Errorf("%w: negative counter", ErrInvalidUpdate)
	}

	if u.FilesScanned < j.filesScanned {
		return fmt.Errorf("%w: files_scanned %d < %d", ErrOutOfOrderUpdate, u.FilesScanned, j.filesScanned)
	}
	if u.Severity.regressesFrom(j.severity) {
		return fmt.Errorf("%w: severity counters regressed", ErrOutOfOrderUpdate)
	}
	terminal := u.Status.IsTerminal()
	if !terminal && u.Progress < j.progress {
		return fmt.Errorf("%w: progress %d < %d", ErrOutOfOrderUpdate, u.Progress, j.progress)
	}

	totalFiles := j.totalFiles
	if u.TotalFiles > 0 {
		totalFiles = u.TotalFiles
	}
	if totalFiles > 0 && u.FilesScanned > totalFiles {
		return fmt.Errorf("%w: files_scanned %d > total_files %d", ErrInvalidUpdate, u.FilesScanned, totalFiles)
	}

	if j.status == JobStatusPending || j.status == JobStatusQueued {
		if err := j.transition(JobStatusRunning, now); err != nil {
			return err
		}
		j.startedAt = now
	}

	j.totalFiles = totalFiles
	j.filesScanned = u.FilesScanned
	j.severity = u.Severity
	j.currentFile = u.CurrentFile
	j.progress = max(j.progress, u.Progress)
	j.updatedAt = now

	if !terminal {
		return nil
	}

	if err := j.transition(u.Status, now); err != nil {
		return err
	}
	j.currentFile = ""
	switch u.Status {
	case JobStatusCompleted:
		j.progress = 100
	case JobStatusFailed, JobStatusCancelled:
		if u.ErrorMessage != "" {
			j.errorMessage = u.ErrorMessage
		}
	}

	return nil
}

// transition validates and applies a status change, stamping completedAt
// when entering a terminal status.
func (j *Job) transition(target JobStatus, now time.Time) error {
	if j.IsTerminal() {
		return ErrJobTerminal
	}
	if err := j.status.ValidateTransition(target); err != nil {
		return err
	}

	j.status = target
	j.updatedAt = now
	if target.IsTerminal() {
		j.completedAt = now
	}
	return nil
}

// Snapshot is the observable state of a job at one revision. It is the
// payload of progress polls and stream events.
type Snapshot struct {
	JobID                uuid.UUID
	Status               JobStatus
	Progress             int
	CurrentFile          string
	FilesScanned         int
	TotalFiles           int
	VulnerabilitiesFound int
	Severity             SeverityCounts
	ErrorMessage         string
	Revision             int64
	UpdatedAt            time.Time
}

// IsTerminal reports whether the snapshot closes a stream.
func (s Snapshot) IsTerminal() bool { return s.Status.IsTerminal() }

// Snapshot returns the job's current observable state.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		JobID:                j.jobID,
		Status:               j.status,
		Progress:             j.progress,
		CurrentFile:          j.currentFile,
		FilesScanned:         j.filesScanned,
		TotalFiles:           j.totalFiles,
		VulnerabilitiesFound: j.severity.Total(),
		Severity:             j.severity,
		ErrorMessage:         j.errorMessage,
		Revision:             j.revision,
		UpdatedAt:            j.updatedAt,
	}
}
