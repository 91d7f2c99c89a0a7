package valkey

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	valkey "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []scanning.Snapshot
}

func (s *recordingSink) Publish(_ context.Context, snap scanning.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) all() []scanning.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scanning.Snapshot(nil), s.snaps...)
}

func newTestRelay(client valkey.Client, sink scanning.SnapshotPublisher) *Relay {
	return NewRelay(client, "test", sink,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
	)
}

func testSnapshot() scanning.Snapshot {
	return scanning.Snapshot{
		JobID:                uuid.New(),
		Status:               scanning.JobStatusRunning,
		Progress:             35,
		CurrentFile:          "app/views.py",
		FilesScanned:         7,
		TotalFiles:           20,
		VulnerabilitiesFound: 3,
		Severity:             scanning.SeverityCounts{High: 1, Low: 2},
		Revision:             4,
		UpdatedAt:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotCodec(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	payload, err := encodeSnapshot("node-a", snap)
	require.NoError(t, err)

	origin, got, err := decodeSnapshot(payload)
	require.NoError(t, err)
	assert.Equal(t, "node-a", origin)
	assert.Equal(t, snap, got)

	for _, bad := range []string{"{", `{"job_id":"` + uuid.NewString() + `","status":"RUNNING"}`, `{"status":"bogus","revision":1}`} {
		_, _, err := decodeSnapshot(bad)
		assert.Error(t, err, bad)
	}
}

func TestRelayHandle(t *testing.T) {
	t.Parallel()

	sink := new(recordingSink)
	r := newTestRelay(nil, sink)
	snap := testSnapshot()

	own, err := encodeSnapshot(r.origin, snap)
	require.NoError(t, err)
	remote, err := encodeSnapshot("other-instance", snap)
	require.NoError(t, err)

	ctx := context.Background()
	r.handle(ctx, valkey.PubSubMessage{Channel: r.Channel(snap.JobID), Message: own})
	r.handle(ctx, valkey.PubSubMessage{Channel: "elsewhere:" + snap.JobID.String(), Message: remote})
	r.handle(ctx, valkey.PubSubMessage{Channel: r.Channel(snap.JobID), Message: "garbage"})
	r.handle(ctx, valkey.PubSubMessage{Channel: r.Channel(snap.JobID), Message: remote})

	assert.Equal(t, []scanning.Snapshot{snap}, sink.all())
}

func TestRelayPublishDoesNotWaitForValkey(t *testing.T) {
	t.Parallel()

	r := newTestRelay(nil, new(recordingSink))

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		sent []string
	)
	r.send = func(ctx context.Context, channel, _ string) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, channel)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		r.drainOutbox(ctx)
	}()

	jobs := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	start := time.Now()
	for i, id := range jobs {
		snap := testSnapshot()
		snap.JobID = id
		snap.Revision = int64(i + 1)
		r.Publish(ctx, snap)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == len(jobs)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, r.Channel(jobs[0]), sent[0])
	assert.Equal(t, r.Channel(jobs[2]), sent[2])
	mu.Unlock()

	cancel()
	<-drained
}

func TestRelayOutboxDropsOldestNonTerminal(t *testing.T) {
	t.Parallel()

	r := newTestRelay(nil, new(recordingSink))
	r.size = 2
	ctx := context.Background()

	snap := func(rev int64, status scanning.JobStatus) scanning.Snapshot {
		s := testSnapshot()
		s.Revision = rev
		s.Status = status
		return s
	}

	r.Publish(ctx, snap(1, scanning.JobStatusRunning))
	r.Publish(ctx, snap(2, scanning.JobStatusCompleted))
	r.Publish(ctx, snap(3, scanning.JobStatusRunning))
	r.Publish(ctx, snap(4, scanning.JobStatusRunning))

	var revisions []int64
	for _, e := range r.take() {
		revisions = append(revisions, e.snap.Revision)
	}
	assert.Equal(t, []int64{2, 4}, revisions)
	assert.Equal(t, 2, r.Dropped())
	assert.Zero(t, r.Pending())
}

func TestRelayAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping valkey container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "valkey/valkey:8-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	newClient := func() valkey.Client {
		c, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{fmt.Sprintf("%s:%s", host, port.Port())}})
		require.NoError(t, err)
		t.Cleanup(c.Close)
		return c
	}

	remoteSink := new(recordingSink)
	sender := newTestRelay(newClient(), new(recordingSink))
	receiver := newTestRelay(newClient(), remoteSink)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 2)
	go func() { done <- receiver.Run(runCtx) }()
	go func() { done <- sender.Run(runCtx) }()

	snap := testSnapshot()
	require.Eventually(t, func() bool {
		sender.Publish(ctx, snap)
		return len(remoteSink.all()) > 0
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, snap, remoteSink.all()[0])

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
