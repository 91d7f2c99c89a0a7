// Package worker holds the wire contract shared by every path a scanning
// worker reports progress through: the HTTP callback, status polling and the
// Kafka progress topic.
package worker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
)

// EventTypeProgressReported tags worker progress reports on the event bus.
const EventTypeProgressReported events.EventType = "WorkerProgressReported"

// Summary is the per-severity finding count a worker reports.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// ProgressReport is a worker's view of a scan at one point in time.
type ProgressReport struct {
	ScanID       string  `json:"scan_id"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	CurrentFile  string  `json:"current_file,omitempty"`
	TotalFiles   int     `json:"total_files"`
	FilesScanned int     `json:"files_scanned"`
	Summary      Summary `json:"summary"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// RevisionSeen is the last job revision the worker observed. Zero skips
	// the staleness check.
	RevisionSeen int64 `json:"revision_seen,omitempty"`
}

// JobID parses ScanID.
func (r ProgressReport) JobID() (uuid.UUID, error) {
	id, err := uuid.Parse(r.ScanID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: scan_id %q is not a UUID", scanning.ErrInvalidUpdate, r.ScanID)
	}
	return id, nil
}

// Update converts the report into a domain progress update. Unknown statuses
// are passed through as empty and rejected by the job.
func (r ProgressReport) Update() scanning.ProgressUpdate {
	return scanning.ProgressUpdate{
		Status:       scanning.ParseJobStatus(r.Status),
		Progress:     r.Progress,
		CurrentFile:  r.CurrentFile,
		FilesScanned: r.FilesScanned,
		TotalFiles:   r.TotalFiles,
		Severity: scanning.SeverityCounts{
			Critical: r.Summary.Critical,
			High:     r.Summary.High,
			Medium:   r.Summary.Medium,
			Low:      r.Summary.Low,
			Info:     r.Summary.Info,
		},
		ErrorMessage: r.ErrorMessage,
	}
}
