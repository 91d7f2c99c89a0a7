package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/eventbus/reliability"
	"github.com/ahrav/scanline/internal/infra/worker"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// ProgressApplier commits worker progress. The progress tracker implements it.
type ProgressApplier interface {
	ApplyUpdate(ctx context.Context, jobID uuid.UUID, revisionSeen int64, update scanning.ProgressUpdate) (*scanning.Snapshot, error)
}

// ProgressHandlerOption configures NewProgressHandler.
type ProgressHandlerOption func(*progressHandler)

// WithCriticalRetryBackOff sets the backoff used while retrying a critical
// report.
func WithCriticalRetryBackOff(newBackOff func() backoff.BackOff) ProgressHandlerOption {
	return func(h *progressHandler) { h.newBackOff = newBackOff }
}

type progressHandler struct {
	applier    ProgressApplier
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

func defaultCriticalBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewProgressHandler returns a handler that feeds worker progress reports
// consumed from Kafka into applier.
//
// Rejected reports are acknowledged since redelivery cannot make them valid.
// Offsets are cumulative, so a report left unacknowledged is still skipped
// once a later message on the partition is marked. Intermediate reports are
// superseded by the next one and are dropped on a store error. Terminal
// reports are critical: they are retried until they commit or ctx ends,
// and in the latter case the offset stays unmarked and the report is
// consumed again by the next session.
func NewProgressHandler(applier ProgressApplier, log *logger.Logger, opts ...ProgressHandlerOption) events.HandlerFunc {
	h := &progressHandler{
		applier:    applier,
		newBackOff: defaultCriticalBackOff,
		log:        log.With("component", "kafka_progress_handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h.handle
}

func (h *progressHandler) handle(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	report, ok := evt.Payload.(worker.ProgressReport)
	if !ok {
		ack(nil)
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}

	jobID, err := report.JobID()
	if err != nil {
		ack(nil)
		return err
	}

	var rejected *scanning.RejectedUpdateError
	apply := func() error {
		_, err := h.applier.ApplyUpdate(ctx, jobID, report.RevisionSeen, report.Update())
		if errors.As(err, &rejected) {
			return nil
		}
		return err
	}

	if reliability.IsCriticalEvent(evt) {
		err = backoff.RetryNotify(apply, backoff.WithContext(h.newBackOff(), ctx), func(err error, wait time.Duration) {
			h.log.Warn(ctx, "terminal progress report not committed, retrying",
				"job_id", jobID, "status", report.Status, "retry_in", wait, "error", err)
		})
	} else {
		err = apply()
	}

	if err != nil {
		ack(err)
		return err
	}
	if rejected != nil {
		h.log.Debug(ctx, "progress report rejected", "job_id", jobID, "error", rejected)
	}

	ack(nil)
	return nil
}
