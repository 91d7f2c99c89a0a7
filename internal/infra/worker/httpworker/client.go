// Package httpworker talks to the scanning worker over its HTTP/JSON API.
package httpworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/worker"
	"github.com/ahrav/scanline/pkg/common"
)

// Defaults used when Config leaves a value unset.
const (
	DefaultTimeout = 5 * time.Minute
	DefaultRPS     = 20
	DefaultBurst   = 10
)

// errBodyLimit caps how much of an error response ends up in messages.
const errBodyLimit = 512

var _ scanning.Worker = (*Client)(nil)

// Config configures the worker client.
type Config struct {
	BaseURL string
	// Timeout bounds every call, including a synchronous POST /scan.
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client implements scanning.Worker against the worker's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	rateLimiter *common.RateLimiter
	tracer      trace.Tracer
}

// New creates a worker client. The transport is instrumented with otelhttp
// so trace context reaches the worker.
func New(cfg Config, tracer trace.Tracer) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("worker base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		rateLimiter: common.NewRateLimiter(cfg.RPS, cfg.Burst),
		tracer:      tracer,
	}, nil
}

type submitRepository struct {
	CloneURL string `json:"clone_url"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit,omitempty"`
}

type submitOptions struct {
	ScanType string   `json:"scan_type"`
	Scanners []string `json:"scanners,omitempty"`
}

type submitBody struct {
	ScanID      string           `json:"scan_id"`
	Repository  submitRepository `json:"repository"`
	Options     submitOptions    `json:"options"`
	CallbackURL string           `json:"callback_url,omitempty"`
}

type cancelResponse struct {
	Status string `json:"status"`
}

// Submit hands a job to the worker. Any non-2xx response is a rejection.
// The worker may run the scan inline and answer with its result; a body
// carrying a RUNNING or terminal status is returned as an update. The
// client timeout has to cover such a scan.
func (c *Client) Submit(ctx context.Context, req scanning.SubmitRequest) (*scanning.ProgressUpdate, error) {
	ctx, span := c.tracer.Start(ctx, "worker_client.submit",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("scan_type", req.ScanType.String()),
		))
	defer span.End()

	body := submitBody{
		ScanID: req.JobID.String(),
		Repository: submitRepository{
			CloneURL: req.CloneURL,
			Branch:   req.Branch,
			Commit:   req.CommitHash,
		},
		Options: submitOptions{
			ScanType: req.ScanType.String(),
			Scanners: req.CustomRules,
		},
		CallbackURL: req.CallbackURL,
	}

	var report worker.ProgressReport
	if err := c.do(ctx, http.MethodPost, "/scan", body, &report); err != nil {
		span.RecordError(err)
		return nil, err
	}

	update := report.Update()
	if update.Status != scanning.JobStatusRunning && !update.Status.IsTerminal() {
		return nil, nil
	}
	span.SetAttributes(attribute.String("result_status", update.Status.String()))
	return &update, nil
}

// Cancel asks the worker to stop a job. A response of {"status":"cancelled"}
// counts as acknowledgement.
func (c *Client) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "worker_client.cancel",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	var resp cancelResponse
	if err := c.do(ctx, http.MethodPost, "/scan/"+jobID.String()+"/cancel", nil, &resp); err != nil {
		span.RecordError(err)
		return false, err
	}

	acknowledged := strings.EqualFold(resp.Status, "cancelled")
	span.SetAttributes(attribute.Bool("acknowledged", acknowledged))
	return acknowledged, nil
}

// Status polls the worker for the latest progress report of a job.
func (c *Client) Status(ctx context.Context, jobID uuid.UUID) (scanning.ProgressUpdate, error) {
	ctx, span := c.tracer.Start(ctx, "worker_client.status",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	var report worker.ProgressReport
	if err := c.do(ctx, http.MethodGet, "/scan/"+jobID.String()+"/status", nil, &report); err != nil {
		span.RecordError(err)
		return scanning.ProgressUpdate{}, err
	}
	return report.Update(), nil
}

// StatusError is returned for non-2xx worker responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker responded %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("status_code", resp.StatusCode))
	c.adjustRate(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode worker response: %w", err)
	}
	return nil
}

// adjustRate slows the client down while the worker answers 429 with a
// Retry-After hint and restores the configured rate on the next success.
func (c *Client) adjustRate(resp *http.Response) {
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			c.rateLimiter.Throttle(time.Duration(secs) * time.Second)
		}
		return
	}
	if resp.StatusCode < 300 {
		c.rateLimiter.Restore()
	}
}
