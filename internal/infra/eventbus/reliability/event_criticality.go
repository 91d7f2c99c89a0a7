// Package reliability classifies events by how much delivery guarantee their
// handling needs.
package reliability

import (
	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/worker"
)

// IsCriticalEvent reports whether evt must be handled before a consumer
// moves past it. Kafka offsets are cumulative, so marking any later message
// on the partition also commits an unhandled one.
//
// Critical events carry a terminal outcome that no later message repeats:
//  1. Worker progress reports with COMPLETED, FAILED or CANCELLED status.
//  2. Job status changes into a terminal status.
//
// Intermediate progress is superseded by the next report and is not critical.
func IsCriticalEvent(evt events.EventEnvelope) bool {
	switch evt.Type {
	case worker.EventTypeProgressReported:
		report, ok := evt.Payload.(worker.ProgressReport)
		return ok && scanning.ParseJobStatus(report.Status).IsTerminal()

	case scanning.EventTypeJobStatusChanged:
		changed, ok := evt.Payload.(scanning.JobStatusChangedEvent)
		return ok && changed.To.IsTerminal()

	default:
		return false
	}
}
