// Package api holds the request metrics shared by the HTTP surface.
package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "scanline_api"

// APIMetrics defines metrics operations needed by the HTTP API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	AddInFlight(ctx context.Context, delta int64)
	IncScanRequestsTotal(ctx context.Context)
	IncScanRequestErrors(ctx context.Context, reason string)
}

type apiMetrics struct {
	requestsTotal     metric.Int64Counter
	requestDuration   metric.Float64Histogram
	inFlight          metric.Int64UpDownCounter
	scanRequestsTotal metric.Int64Counter
	scanRequestErrors metric.Int64Counter
}

// NewAPIMetrics creates the API instruments on mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"requests_in_flight",
		metric.WithDescription("Requests currently being served, including open progress streams"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestsTotal, err = meter.Int64Counter(
		"scan_requests_total",
		metric.WithDescription("Total number of scan creation requests"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestErrors, err = meter.Int64Counter(
		"scan_request_errors_total",
		metric.WithDescription("Total number of rejected scan creation requests"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) AddInFlight(ctx context.Context, delta int64) {
	m.inFlight.Add(ctx, delta)
}

func (m *apiMetrics) IncScanRequestsTotal(ctx context.Context) {
	m.scanRequestsTotal.Add(ctx, 1)
}

func (m *apiMetrics) IncScanRequestErrors(ctx context.Context, reason string) {
	m.scanRequestErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
