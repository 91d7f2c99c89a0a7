package scanning

import (
	"time"

	scanDomain "github.com/ahrav/scanline/internal/domain/scanning"
)

// createRequest is the payload for starting a scan.
type createRequest struct {
	RepositoryID string   `json:"repository_id" validate:"required"`
	Branch       string   `json:"branch,omitempty" validate:"omitempty,max=255"`
	CommitHash   string   `json:"commit_hash,omitempty" validate:"omitempty,max=64"`
	ScanType     string   `json:"scan_type,omitempty"`
	CustomRules  []string `json:"custom_rules,omitempty" validate:"omitempty,dive,required"`
}

type severityResponse struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// jobResponse is the full view of a scan job.
type jobResponse struct {
	ID                   string           `json:"id"`
	RepositoryID         string           `json:"repository_id"`
	Branch               string           `json:"branch"`
	CommitHash           string           `json:"commit_hash,omitempty"`
	ScanType             string           `json:"scan_type"`
	CustomRules          []string         `json:"custom_rules,omitempty"`
	Status               string           `json:"status"`
	Progress             int              `json:"progress"`
	CurrentFile          string           `json:"current_file,omitempty"`
	FilesScanned         int              `json:"files_scanned"`
	TotalFiles           int              `json:"total_files"`
	VulnerabilitiesFound int              `json:"vulnerabilities_found"`
	Severity             severityResponse `json:"severity"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	Revision             int64            `json:"revision"`
	CancelRequestedAt    *time.Time       `json:"cancel_requested_at,omitempty"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func optionalTime(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}

func toJobResponse(job *scanDomain.Job) jobResponse {
	sev := job.Severity()
	return jobResponse{
		ID:                   job.JobID().String(),
		RepositoryID:         job.RepositoryID().String(),
		Branch:               job.Branch(),
		CommitHash:           job.CommitHash(),
		ScanType:             job.ScanType().String(),
		CustomRules:          job.CustomRules(),
		Status:               job.Status().String(),
		Progress:             job.Progress(),
		CurrentFile:          job.CurrentFile(),
		FilesScanned:         job.FilesScanned(),
		TotalFiles:           job.TotalFiles(),
		VulnerabilitiesFound: job.VulnerabilitiesFound(),
		Severity: severityResponse{
			Critical: sev.Critical,
			High:     sev.High,
			Medium:   sev.Medium,
			Low:      sev.Low,
			Info:     sev.Info,
		},
		ErrorMessage:      job.ErrorMessage(),
		Revision:          job.Revision(),
		CancelRequestedAt: optionalTime(job.CancelRequestedAt()),
		StartedAt:         optionalTime(job.StartedAt()),
		CompletedAt:       optionalTime(job.CompletedAt()),
		CreatedAt:         job.CreatedAt(),
		UpdatedAt:         job.UpdatedAt(),
	}
}

// progressResponse is the stream-shaped view of a job, used by the progress
// endpoint and every stream event.
type progressResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	Progress             int    `json:"progress"`
	CurrentFile          string `json:"current_file,omitempty"`
	FilesScanned         int    `json:"files_scanned"`
	TotalFiles           int    `json:"total_files"`
	VulnerabilitiesFound int    `json:"vulnerabilities_found"`
	Revision             int64  `json:"revision"`
}

func toProgressResponse(s scanDomain.Snapshot) progressResponse {
	return progressResponse{
		JobID:                s.JobID.String(),
		Status:               s.Status.String(),
		Progress:             s.Progress,
		CurrentFile:          s.CurrentFile,
		FilesScanned:         s.FilesScanned,
		TotalFiles:           s.TotalFiles,
		VulnerabilitiesFound: s.VulnerabilitiesFound,
		Revision:             s.Revision,
	}
}

// progressAck answers a worker progress callback. Revision is the job's
// revision after an accepted update, or the stored one on rejection.
type progressAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Revision int64  `json:"revision,omitempty"`
}
