package scanning

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/storage/scanning/memory"
	"github.com/ahrav/scanline/pkg/common/logger"
)

type mockWorker struct{ mock.Mock }

// Submit accepts Return(err) for plain acceptance and Return(result, err)
// for workers that answer with an inline result.
func (m *mockWorker) Submit(ctx context.Context, req scanning.SubmitRequest) (*scanning.ProgressUpdate, error) {
	args := m.Called(ctx, req)
	if len(args) == 1 {
		return nil, args.Error(0)
	}
	result, _ := args.Get(0).(*scanning.ProgressUpdate)
	return result, args.Error(1)
}

func (m *mockWorker) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorker) Status(ctx context.Context, jobID uuid.UUID) (scanning.ProgressUpdate, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(scanning.ProgressUpdate), args.Error(1)
}

type mockJobRepository struct{ mock.Mock }

func (m *mockJobRepository) CreateJob(ctx context.Context, job *scanning.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	args := m.Called(ctx, jobID)
	switch v := args.Get(0).(type) {
	case func(context.Context, uuid.UUID) *scanning.Job:
		return v(ctx, jobID), args.Error(1)
	case *scanning.Job:
		return v, args.Error(1)
	default:
		return nil, args.Error(1)
	}
}

func (m *mockJobRepository) UpdateJob(ctx context.Context, job *scanning.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) ListJobs(ctx context.Context, filter scanning.JobFilter) ([]*scanning.Job, int, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*scanning.Job), args.Int(1), args.Error(2)
}

func (m *mockJobRepository) ListPendingCancellations(ctx context.Context) ([]*scanning.Job, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*scanning.Job), args.Error(1)
}

type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event, opts).Error(0)
}

// recordingPublisher captures every published snapshot.
type recordingPublisher struct {
	mu    sync.Mutex
	snaps []scanning.Snapshot
}

func (p *recordingPublisher) Publish(_ context.Context, snap scanning.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *recordingPublisher) all() []scanning.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scanning.Snapshot(nil), p.snaps...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testRule map[string]bool

func (r testRule) Has(id string) bool { return r[id] }

// scanTestSuite wires the services against the in-memory store.
type scanTestSuite struct {
	store     *memory.Store
	repo      scanning.Repository
	worker    *mockWorker
	publisher *recordingPublisher
	logger    *logger.Logger
	tracker   *ProgressTracker
}

func newScanTestSuite(t *testing.T) *scanTestSuite {
	t.Helper()

	metrics, err := NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	store := memory.NewStore()
	repo := scanning.Repository{
		ID:            uuid.New(),
		FullName:      "acme/widgets",
		CloneURL:      "https://github.com/acme/widgets.git",
		DefaultBranch: "main",
	}
	store.AddRepository(repo)

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	publisher := new(recordingPublisher)

	return &scanTestSuite{
		store:     store,
		repo:      repo,
		worker:    new(mockWorker),
		publisher: publisher,
		logger:    log,
		tracker: NewProgressTracker(
			store, publisher, nil, metrics, log, noop.NewTracerProvider().Tracer("test"),
		),
	}
}

func (s *scanTestSuite) metrics(t *testing.T) ScanMetrics {
	t.Helper()
	m, err := NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// createJob stores a job for the suite repository and moves it to status.
func (s *scanTestSuite) createJob(t *testing.T, status scanning.JobStatus) *scanning.Job {
	t.Helper()
	ctx := context.Background()

	job, err := scanning.NewJob(scanning.NewJobParams{RepositoryID: s.repo.ID, Branch: uuid.NewString()}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.store.CreateJob(ctx, job))

	switch status {
	case scanning.JobStatusPending:
	case scanning.JobStatusQueued:
		require.NoError(t, job.MarkQueued(testNow))
		require.NoError(t, s.store.UpdateJob(ctx, job))
	case scanning.JobStatusRunning:
		require.NoError(t, job.MarkQueued(testNow))
		require.NoError(t, s.store.UpdateJob(ctx, job))
		require.NoError(t, job.ApplyProgress(scanning.ProgressUpdate{Progress: 10, FilesScanned: 1, TotalFiles: 10}, testNow))
		require.NoError(t, s.store.UpdateJob(ctx, job))
	default:
		require.NoError(t, job.MarkFailed("setup", testNow))
		require.NoError(t, s.store.UpdateJob(ctx, job))
	}
	return job
}
