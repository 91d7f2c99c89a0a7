package scanning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

func newTestDispatcher(t *testing.T, suite *scanTestSuite, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	d := NewDispatcher(
		suite.store,
		suite.store,
		suite.worker,
		suite.tracker,
		testRule{"secrets": true, "xss": true},
		nil,
		suite.metrics(t),
		suite.logger,
		noop.NewTracerProvider().Tracer("test"),
		append([]DispatcherOption{WithDispatcherClock(fixedClock{testNow})}, opts...)...,
	)
	t.Cleanup(d.Close)
	return d
}

func TestDispatcher_CreateSubmitsAndQueues(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite, WithCallbackBaseURL("https://scanline.example/"))
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.MatchedBy(func(req scanning.SubmitRequest) bool {
		return req.CloneURL == suite.repo.CloneURL &&
			req.Branch == "main" &&
			req.ScanType == scanning.ScanTypeCustom &&
			len(req.CustomRules) == 2 &&
			req.CallbackURL == "https://scanline.example/v1/worker/scans/"+req.JobID.String()+"/progress"
	})).Return(nil).Once()

	job, err := d.Create(ctx, CreateJobRequest{
		RepositoryID: suite.repo.ID.String(),
		ScanType:     "custom",
		CustomRules:  []string{"secrets", "xss"},
	})
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusPending, job.Status())
	assert.Equal(t, "main", job.Branch())
	assert.Equal(t, int64(1), job.Revision())

	d.Wait()

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusQueued, stored.Status())
	suite.worker.AssertExpectations(t)
}

func TestDispatcher_CreateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		req       func(repoID uuid.UUID) CreateJobRequest
		wantField string
	}{
		{
			name:      "missing repository",
			req:       func(uuid.UUID) CreateJobRequest { return CreateJobRequest{} },
			wantField: "repository_id",
		},
		{
			name:      "malformed repository",
			req:       func(uuid.UUID) CreateJobRequest { return CreateJobRequest{RepositoryID: "repo-1"} },
			wantField: "repository_id",
		},
		{
			name: "unknown scan type",
			req: func(id uuid.UUID) CreateJobRequest {
				return CreateJobRequest{RepositoryID: id.String(), ScanType: "deep"}
			},
			wantField: "scan_type",
		},
		{
			name: "custom without rules",
			req: func(id uuid.UUID) CreateJobRequest {
				return CreateJobRequest{RepositoryID: id.String(), ScanType: "CUSTOM"}
			},
			wantField: "custom_rules",
		},
		{
			name: "rules on a full scan",
			req: func(id uuid.UUID) CreateJobRequest {
				return CreateJobRequest{RepositoryID: id.String(), CustomRules: []string{"xss"}}
			},
			wantField: "custom_rules",
		},
		{
			name: "unknown rule",
			req: func(id uuid.UUID) CreateJobRequest {
				return CreateJobRequest{RepositoryID: id.String(), ScanType: "CUSTOM", CustomRules: []string{"xss", "made_up"}}
			},
			wantField: "custom_rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newScanTestSuite(t)
			d := newTestDispatcher(t, suite)

			_, err := d.Create(context.Background(), tt.req(suite.repo.ID))
			var verr *scanning.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)

			d.Wait()
			suite.worker.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestDispatcher_CreateUnknownRepository(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite)

	_, err := d.Create(context.Background(), CreateJobRequest{RepositoryID: uuid.NewString()})
	require.ErrorIs(t, err, scanning.ErrRepositoryNotFound)
	assert.True(t, scanning.IsNotFound(err))
}

func TestDispatcher_CreateConflictCarriesActiveJob(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite)
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(nil).Once()

	first, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String(), Branch: "main"})
	require.NoError(t, err)

	_, err = d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	var conflict *scanning.ActiveJobConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.JobID(), conflict.ActiveJobID)

	d.Wait()
	suite.worker.AssertNumberOfCalls(t, "Submit", 1)
}

func TestDispatcher_SubmitFailureFailsJobOnce(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite)
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(errors.New("worker unavailable")).Once()

	job, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)
	d.Wait()

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, stored.Status())
	assert.Contains(t, stored.ErrorMessage(), "worker unavailable")
	suite.worker.AssertNumberOfCalls(t, "Submit", 1)

	// The branch is free again after the failure.
	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(nil).Once()
	_, err = d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)
}

func TestDispatcher_CancelledDuringSubmitSignalsWorker(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite)
	ctx := context.Background()

	release := make(chan struct{})
	suite.worker.On("Submit", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()
	suite.worker.On("Cancel", mock.Anything, mock.Anything).Return(true, nil).Once()

	job, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, stored.Cancel("", testNow))
	require.NoError(t, suite.store.UpdateJob(ctx, stored))

	close(release)
	d.Wait()

	final, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, final.Status())
	suite.worker.AssertCalled(t, "Cancel", mock.Anything, job.JobID())
}

func TestDispatcher_SynchronousResultCompletesJob(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	// No Status expectation: a poller started for a finished job would fail
	// the test on its first tick.
	d := newTestDispatcher(t, suite, WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(&scanning.ProgressUpdate{
		Status:       scanning.JobStatusCompleted,
		FilesScanned: 12,
		TotalFiles:   12,
		Severity:     scanning.SeverityCounts{Critical: 1, High: 2, Low: 3},
	}, nil).Once()

	job, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)
	d.Wait()
	time.Sleep(30 * time.Millisecond)

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, stored.Status())
	assert.Equal(t, 100, stored.Progress())
	assert.Equal(t, 1, stored.Severity().Critical)
	assert.Equal(t, 6, stored.VulnerabilitiesFound())
	_, completed := stored.CompletedAt()
	assert.True(t, completed)
	suite.worker.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)

	// The branch is free for the next scan.
	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(nil).Once()
	_, err = d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)
}

func TestDispatcher_SynchronousRunningResultKeepsPolling(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite, WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(&scanning.ProgressUpdate{
		Status:       scanning.JobStatusRunning,
		Progress:     20,
		FilesScanned: 2,
		TotalFiles:   10,
	}, nil).Once()
	suite.worker.On("Status", mock.Anything, mock.Anything).
		Return(scanning.ProgressUpdate{Status: scanning.JobStatusCompleted, FilesScanned: 10, TotalFiles: 10}, nil)

	job, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := suite.store.GetJob(ctx, job.JobID())
		return err == nil && stored.Status() == scanning.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_PollerFeedsTracker(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	d := newTestDispatcher(t, suite, WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	suite.worker.On("Submit", mock.Anything, mock.Anything).Return(nil).Once()
	suite.worker.On("Status", mock.Anything, mock.Anything).
		Return(scanning.ProgressUpdate{Status: scanning.JobStatusRunning, Progress: 40, FilesScanned: 4, TotalFiles: 10}, nil).Once()
	suite.worker.On("Status", mock.Anything, mock.Anything).
		Return(scanning.ProgressUpdate{Status: scanning.JobStatusCompleted, Progress: 100, FilesScanned: 10, TotalFiles: 10}, nil)

	job, err := d.Create(ctx, CreateJobRequest{RepositoryID: suite.repo.ID.String()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := suite.store.GetJob(ctx, job.JobID())
		return err == nil && stored.Status() == scanning.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	var revisions []int64
	for _, s := range suite.publisher.all() {
		revisions = append(revisions, s.Revision)
	}
	assert.IsIncreasing(t, revisions)
}
