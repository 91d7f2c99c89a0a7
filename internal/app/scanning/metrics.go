package scanning

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

// ScanMetrics records the lifecycle counters of the scan services.
type ScanMetrics interface {
	IncJobsCreated(ctx context.Context)
	IncJobsTerminal(ctx context.Context, status scanning.JobStatus)
	IncUpdatesAccepted(ctx context.Context)
	IncUpdatesRejected(ctx context.Context, reason string)
	IncDispatchFailures(ctx context.Context)
	IncCancelRequests(ctx context.Context)
	IncCancelTimeouts(ctx context.Context)
}

// scanMetrics implements ScanMetrics on OpenTelemetry instruments.
type scanMetrics struct {
	jobsCreated      metric.Int64Counter
	jobsTerminal     metric.Int64Counter
	updatesAccepted  metric.Int64Counter
	updatesRejected  metric.Int64Counter
	dispatchFailures metric.Int64Counter
	cancelRequests   metric.Int64Counter
	cancelTimeouts   metric.Int64Counter
}

const namespace = "scan_jobs"

// NewScanMetrics creates the scan lifecycle instruments.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.jobsCreated, err = meter.Int64Counter(
		"scan_jobs_created_total",
		metric.WithDescription("Total number of scan jobs created"),
	); err != nil {
		return nil, err
	}

	if m.jobsTerminal, err = meter.Int64Counter(
		"scan_jobs_terminal_total",
		metric.WithDescription("Total number of scan jobs that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.updatesAccepted, err = meter.Int64Counter(
		"progress_updates_accepted_total",
		metric.WithDescription("Total number of worker progress updates committed"),
	); err != nil {
		return nil, err
	}

	if m.updatesRejected, err = meter.Int64Counter(
		"progress_updates_rejected_total",
		metric.WithDescription("Total number of worker progress updates discarded"),
	); err != nil {
		return nil, err
	}

	if m.dispatchFailures, err = meter.Int64Counter(
		"dispatch_failures_total",
		metric.WithDescription("Total number of jobs the worker did not accept"),
	); err != nil {
		return nil, err
	}

	if m.cancelRequests, err = meter.Int64Counter(
		"cancel_requests_total",
		metric.WithDescription("Total number of accepted cancellation requests"),
	); err != nil {
		return nil, err
	}

	if m.cancelTimeouts, err = meter.Int64Counter(
		"cancel_timeouts_total",
		metric.WithDescription("Total number of cancellations forced after the grace period"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *scanMetrics) IncJobsCreated(ctx context.Context) { m.jobsCreated.Add(ctx, 1) }

func (m *scanMetrics) IncJobsTerminal(ctx context.Context, status scanning.JobStatus) {
	m.jobsTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *scanMetrics) IncUpdatesAccepted(ctx context.Context) { m.updatesAccepted.Add(ctx, 1) }

func (m *scanMetrics) IncUpdatesRejected(ctx context.Context, reason string) {
	m.updatesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *scanMetrics) IncDispatchFailures(ctx context.Context) { m.dispatchFailures.Add(ctx, 1) }
func (m *scanMetrics) IncCancelRequests(ctx context.Context)   { m.cancelRequests.Add(ctx, 1) }
func (m *scanMetrics) IncCancelTimeouts(ctx context.Context)   { m.cancelTimeouts.Add(ctx, 1) }
