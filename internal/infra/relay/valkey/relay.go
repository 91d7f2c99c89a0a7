// Package valkey relays committed snapshots between API instances over
// valkey pub/sub, so a stream opened on one instance sees progress committed
// on any other.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

// DefaultChannelPrefix prefixes every per-job channel.
const DefaultChannelPrefix = "scanline:snapshots"

// Outbox limits.
const (
	DefaultOutboxSize = 256
	publishTimeout    = 2 * time.Second
)

var _ scanning.SnapshotPublisher = (*Relay)(nil)

// Relay publishes local snapshots to valkey and feeds snapshots from other
// instances into a local sink, normally the stream broker.
//
// Publish only queues. Snapshots reach valkey from the outbox goroutine
// started by Run, so a slow or unreachable valkey never holds up the commit
// path that produced them.
type Relay struct {
	client valkey.Client
	prefix string
	origin string
	sink   scanning.SnapshotPublisher

	mu      sync.Mutex
	outbox  []outboxEntry
	size    int
	dropped int
	notify  chan struct{}

	// send delivers one payload; it defaults to a valkey PUBLISH.
	send func(ctx context.Context, channel, payload string) error

	logger *logger.Logger
	tracer trace.Tracer
}

type outboxEntry struct {
	ctx  context.Context
	snap scanning.Snapshot
}

// NewRelay creates a relay. An empty prefix uses DefaultChannelPrefix.
func NewRelay(
	client valkey.Client,
	prefix string,
	sink scanning.SnapshotPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Relay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	r := &Relay{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		sink:   sink,
		size:   DefaultOutboxSize,
		notify: make(chan struct{}, 1),
		logger: logger.With("component", "valkey_relay"),
		tracer: tracer,
	}
	r.send = r.publish
	return r
}

// Channel returns the channel snapshots of jobID are published on.
func (r *Relay) Channel(jobID uuid.UUID) string {
	return r.prefix + ":" + jobID.String()
}

// Publish implements scanning.SnapshotPublisher. It queues snap and returns
// at once. A full outbox drops its oldest non-terminal entry.
func (r *Relay) Publish(ctx context.Context, snap scanning.Snapshot) {
	entry := outboxEntry{ctx: context.WithoutCancel(ctx), snap: snap}

	r.mu.Lock()
	if len(r.outbox) >= r.size {
		for i, e := range r.outbox {
			if !e.snap.IsTerminal() {
				r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
				r.dropped++
				break
			}
		}
	}
	r.outbox = append(r.outbox, entry)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of snapshots waiting in the outbox.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Dropped returns how many snapshots were evicted from a full outbox.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) take() []outboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.outbox
	r.outbox = nil
	return batch
}

// drainOutbox forwards queued snapshots to valkey until ctx is done.
func (r *Relay) drainOutbox(ctx context.Context) {
	for {
		for _, e := range r.take() {
			if ctx.Err() != nil {
				return
			}
			r.forward(e)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		}
	}
}

func (r *Relay) forward(e outboxEntry) {
	ctx, span := r.tracer.Start(e.ctx, "valkey_relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("job_id", e.snap.JobID.String()),
			attribute.Int64("revision", e.snap.Revision),
		))
	defer span.End()

	payload, err := encodeSnapshot(r.origin, e.snap)
	if err != nil {
		span.RecordError(err)
		r.logger.Error(ctx, "failed to encode snapshot", "job_id", e.snap.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.send(ctx, r.Channel(e.snap.JobID), payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		r.logger.Warn(ctx, "failed to relay snapshot", "job_id", e.snap.JobID, "error", err)
	}
}

func (r *Relay) publish(ctx context.Context, channel, payload string) error {
	cmd := r.client.B().Publish().Channel(channel).Message(payload).Build()
	return r.client.Do(ctx, cmd).Error()
}

// Run drains the outbox and subscribes to every job channel, forwarding
// snapshots from other instances to the sink until ctx is done. Lost
// connections are retried.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drainOutbox(ctx)
	}()
	defer wg.Wait()

	pattern := r.prefix + ":*"
	r.logger.Info(ctx, "relay subscribing", "pattern", pattern)

	for {
		cmd := r.client.B().Psubscribe().Pattern(pattern).Build()
		err := r.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
			r.handle(ctx, msg)
		})
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn(ctx, "relay subscription ended, resubscribing", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg valkey.PubSubMessage) {
	if !strings.HasPrefix(msg.Channel, r.prefix+":") {
		return
	}

	origin, snap, err := decodeSnapshot(msg.Message)
	if err != nil {
		r.logger.Warn(ctx, "dropping undecodable relay message", "channel", msg.Channel, "error", err)
		return
	}
	if origin == r.origin {
		return
	}
	r.sink.Publish(ctx, snap)
}

type severityJSON struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

type snapshotJSON struct {
	Origin               string       `json:"origin"`
	JobID                uuid.UUID    `json:"job_id"`
	Status               string       `json:"status"`
	Progress             int          `json:"progress"`
	CurrentFile          string       `json:"current_file,omitempty"`
	FilesScanned         int          `json:"files_scanned"`
	TotalFiles           int          `json:"total_files"`
	VulnerabilitiesFound int          `json:"vulnerabilities_found"`
	Severity             severityJSON `json:"severity"`
	ErrorMessage         string       `json:"error_message,omitempty"`
	Revision             int64        `json:"revision"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func encodeSnapshot(origin string, s scanning.Snapshot) (string, error) {
	data, err := json.Marshal(snapshotJSON{
		Origin:               origin,
		JobID:                s.JobID,
		Status:               s.Status.String(),
		Progress:             s.Progress,
		CurrentFile:          s.CurrentFile,
		FilesScanned:         s.FilesScanned,
		TotalFiles:           s.TotalFiles,
		VulnerabilitiesFound: s.VulnerabilitiesFound,
		Severity: severityJSON{
			Critical: s.Severity.Critical,
			High:     s.Severity.High,
			Medium:   s.Severity.Medium,
			Low:      s.Severity.Low,
			Info:     s.Severity.Info,
		},
		ErrorMessage: s.ErrorMessage,
		Revision:     s.Revision,
		UpdatedAt:    s.UpdatedAt,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSnapshot(payload string) (string, scanning.Snapshot, error) {
	var j snapshotJSON
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return "", scanning.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	status := scanning.ParseJobStatus(j.Status)
	if status == "" || j.JobID == uuid.Nil || j.Revision <= 0 {
		return "", scanning.Snapshot{}, fmt.Errorf("incomplete snapshot for job %s", j.JobID)
	}

	return j.Origin, scanning.Snapshot{
		JobID:                j.JobID,
		Status:               status,
		Progress:             j.Progress,
		CurrentFile:          j.CurrentFile,
		FilesScanned:         j.FilesScanned,
		TotalFiles:           j.TotalFiles,
		VulnerabilitiesFound: j.VulnerabilitiesFound,
		Severity: scanning.SeverityCounts{
			Critical: j.Severity.Critical,
			High:     j.Severity.High,
			Medium:   j.Severity.Medium,
			Low:      j.Severity.Low,
			Info:     j.Severity.Info,
		},
		ErrorMessage: j.ErrorMessage,
		Revision:     j.Revision,
		UpdatedAt:    j.UpdatedAt,
	}, nil
}
