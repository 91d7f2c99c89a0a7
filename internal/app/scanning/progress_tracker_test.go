package scanning

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

func TestProgressTracker_FirstUpdateStartsJob(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()
	job := suite.createJob(t, scanning.JobStatusQueued)

	snap, err := suite.tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{
		Progress:     20,
		CurrentFile:  "src/app.go",
		FilesScanned: 4,
		TotalFiles:   20,
		Severity:     scanning.SeverityCounts{High: 1, Low: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, scanning.JobStatusRunning, snap.Status)
	assert.Equal(t, 20, snap.Progress)
	assert.Equal(t, 3, snap.VulnerabilitiesFound)
	assert.Equal(t, job.Revision()+1, snap.Revision)

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	startedAt, ok := stored.StartedAt()
	assert.True(t, ok)
	assert.False(t, startedAt.IsZero())

	published := suite.publisher.all()
	require.Len(t, published, 1)
	assert.Equal(t, *snap, published[0])
}

func TestProgressTracker_CompletionForcesFullProgress(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()
	job := suite.createJob(t, scanning.JobStatusRunning)

	snap, err := suite.tracker.ApplyUpdate(ctx, job.JobID(), job.Revision(), scanning.ProgressUpdate{
		Status:       scanning.JobStatusCompleted,
		Progress:     95,
		FilesScanned: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.CurrentFile)

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	_, completed := stored.CompletedAt()
	assert.True(t, completed)
}

func TestProgressTracker_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       scanning.JobStatus
		unknownJob   bool
		revisionSeen func(job *scanning.Job) int64
		update       scanning.ProgressUpdate
		wantReason   error
	}{
		{
			name:       "terminal job",
			status:     scanning.JobStatusFailed,
			update:     scanning.ProgressUpdate{Progress: 50},
			wantReason: scanning.ErrStaleUpdate,
		},
		{
			name:       "unknown job",
			status:     scanning.JobStatusRunning,
			unknownJob: true,
			update:     scanning.ProgressUpdate{Progress: 50},
			wantReason: scanning.ErrStaleUpdate,
		},
		{
			name:         "older revision observed",
			status:       scanning.JobStatusRunning,
			revisionSeen: func(job *scanning.Job) int64 { return job.Revision() - 1 },
			update:       scanning.ProgressUpdate{Progress: 50, FilesScanned: 5},
			wantReason:   scanning.ErrStaleUpdate,
		},
		{
			name:       "files scanned regress",
			status:     scanning.JobStatusRunning,
			update:     scanning.ProgressUpdate{Progress: 50, FilesScanned: 0},
			wantReason: scanning.ErrOutOfOrderUpdate,
		},
		{
			name:       "progress regresses",
			status:     scanning.JobStatusRunning,
			update:     scanning.ProgressUpdate{Progress: 5, FilesScanned: 2},
			wantReason: scanning.ErrOutOfOrderUpdate,
		},
		{
			name:       "progress out of range",
			status:     scanning.JobStatusRunning,
			update:     scanning.ProgressUpdate{Progress: 150, FilesScanned: 2},
			wantReason: scanning.ErrInvalidUpdate,
		},
		{
			name:       "files scanned beyond total",
			status:     scanning.JobStatusRunning,
			update:     scanning.ProgressUpdate{Progress: 50, FilesScanned: 11},
			wantReason: scanning.ErrInvalidUpdate,
		},
		{
			name:       "worker reports queued",
			status:     scanning.JobStatusRunning,
			update:     scanning.ProgressUpdate{Status: scanning.JobStatusQueued, Progress: 50, FilesScanned: 2},
			wantReason: scanning.ErrInvalidUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newScanTestSuite(t)
			ctx := context.Background()
			job := suite.createJob(t, tt.status)

			jobID := job.JobID()
			if tt.unknownJob {
				jobID = uuid.New()
			}
			var revisionSeen int64
			if tt.revisionSeen != nil {
				revisionSeen = tt.revisionSeen(job)
			}

			snap, err := suite.tracker.ApplyUpdate(ctx, jobID, revisionSeen, tt.update)
			require.Nil(t, snap)

			var rejected *scanning.RejectedUpdateError
			require.ErrorAs(t, err, &rejected)
			assert.ErrorIs(t, err, tt.wantReason)
			assert.Equal(t, jobID, rejected.JobID)
			if tt.unknownJob {
				assert.Zero(t, rejected.Revision)
			} else {
				assert.Equal(t, job.Revision(), rejected.Revision)
			}

			stored, err := suite.store.GetJob(ctx, job.JobID())
			require.NoError(t, err)
			assert.Equal(t, job.State(), stored.State())
			assert.Empty(t, suite.publisher.all())
		})
	}
}

func TestProgressTracker_RetriesRevisionConflict(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()
	job := suite.createJob(t, scanning.JobStatusRunning)

	repo := new(mockJobRepository)
	repo.On("GetJob", mock.Anything, job.JobID()).Return(job.Clone(), nil).Once()
	repo.On("GetJob", mock.Anything, job.JobID()).Return(job.Clone(), nil).Once()
	repo.On("UpdateJob", mock.Anything, mock.Anything).Return(scanning.ErrRevisionConflict).Once()
	repo.On("UpdateJob", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { args.Get(1).(*scanning.Job).CommitRevision() }).
		Return(nil).Once()

	tracker := NewProgressTracker(repo, suite.publisher, nil, suite.metrics(t), suite.logger,
		noop.NewTracerProvider().Tracer("test"))

	snap, err := tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{Progress: 30, FilesScanned: 3})
	require.NoError(t, err)
	assert.Equal(t, job.Revision()+1, snap.Revision)
	assert.Len(t, suite.publisher.all(), 1)
	repo.AssertExpectations(t)
}

func TestProgressTracker_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()
	job := suite.createJob(t, scanning.JobStatusRunning)

	repo := new(mockJobRepository)
	repo.On("GetJob", mock.Anything, job.JobID()).Return(func(context.Context, uuid.UUID) *scanning.Job {
		return job.Clone()
	}, nil)
	repo.On("UpdateJob", mock.Anything, mock.Anything).Return(scanning.ErrRevisionConflict)

	tracker := NewProgressTracker(repo, suite.publisher, nil, suite.metrics(t), suite.logger,
		noop.NewTracerProvider().Tracer("test"), WithMaxUpdateRetries(2))

	_, err := tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{Progress: 30, FilesScanned: 3})
	require.ErrorIs(t, err, scanning.ErrRevisionConflict)

	var rejected *scanning.RejectedUpdateError
	assert.False(t, errors.As(err, &rejected))
	repo.AssertNumberOfCalls(t, "UpdateJob", 3)
	assert.Empty(t, suite.publisher.all())
}

func TestProgressTracker_PublishesStatusChangeEvents(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()
	job := suite.createJob(t, scanning.JobStatusQueued)

	events := new(mockDomainEventPublisher)
	events.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt scanning.JobStatusChangedEvent) bool {
		return evt.JobID == job.JobID() &&
			evt.From == scanning.JobStatusQueued &&
			evt.To == scanning.JobStatusRunning
	}), mock.Anything).Return(errors.New("broker down")).Once()

	tracker := NewProgressTracker(suite.store, suite.publisher, events, suite.metrics(t), suite.logger,
		noop.NewTracerProvider().Tracer("test"))

	_, err := tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{Progress: 10})
	require.NoError(t, err, "event publish failures never undo the commit")

	// Same status, no event.
	_, err = tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{Progress: 20})
	require.NoError(t, err)

	events.AssertExpectations(t)
}

func TestProgressTracker_MarkQueuedAndDispatchFailed(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()

	pending := suite.createJob(t, scanning.JobStatusPending)
	queued, err := suite.tracker.MarkQueued(ctx, pending.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusQueued, queued.Status())

	again, err := suite.tracker.MarkQueued(ctx, pending.JobID())
	require.NoError(t, err)
	assert.Equal(t, queued.Revision(), again.Revision(), "no write for a job that is no longer pending")

	failed, err := suite.tracker.MarkDispatchFailed(ctx, pending.JobID(),
		&scanning.DispatchError{JobID: pending.JobID(), Err: errors.New("connection refused")})
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, failed.Status())
	assert.Contains(t, failed.ErrorMessage(), "connection refused")

	unchanged, err := suite.tracker.MarkDispatchFailed(ctx, pending.JobID(), errors.New("later"))
	require.NoError(t, err)
	assert.Equal(t, failed.ErrorMessage(), unchanged.ErrorMessage())
}
