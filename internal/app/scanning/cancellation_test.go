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

func newTestCoordinator(t *testing.T, suite *scanTestSuite, opts ...CoordinatorOption) *CancellationCoordinator {
	t.Helper()

	c := NewCancellationCoordinator(
		suite.tracker,
		suite.store,
		suite.worker,
		suite.metrics(t),
		suite.logger,
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
	t.Cleanup(c.Stop)
	return c
}

func requireStatusEventually(t *testing.T, suite *scanTestSuite, jobID uuid.UUID, want scanning.JobStatus) *scanning.Job {
	t.Helper()

	var job *scanning.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = suite.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status() == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestCancellation_PendingJobCancelsImmediately(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite)

	job := suite.createJob(t, scanning.JobStatusPending)

	got, err := c.Cancel(context.Background(), job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, got.Status())
	assert.Equal(t, 0, c.Pending())
	suite.worker.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
}

func TestCancellation_TerminalJobIsConflict(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite)
	ctx := context.Background()

	job := suite.createJob(t, scanning.JobStatusFailed)

	_, err := c.Cancel(ctx, job.JobID())
	require.ErrorIs(t, err, scanning.ErrJobTerminal)
	assert.True(t, scanning.IsConflict(err))

	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, job.State(), stored.State())

	_, err = c.Cancel(ctx, uuid.New())
	require.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestCancellation_WorkerAcknowledges(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite)

	job := suite.createJob(t, scanning.JobStatusRunning)
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(true, nil).Once()

	got, err := c.Cancel(context.Background(), job.JobID())
	require.NoError(t, err)
	_, requested := got.CancelRequestedAt()
	assert.True(t, requested)

	final := requireStatusEventually(t, suite, job.JobID(), scanning.JobStatusCancelled)
	assert.Empty(t, final.ErrorMessage())
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancellation_GraceExpiryForcesCancel(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite, WithCancelGrace(50*time.Millisecond))

	job := suite.createJob(t, scanning.JobStatusRunning)
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(false, nil).Once()

	_, err := c.Cancel(context.Background(), job.JobID())
	require.NoError(t, err)

	final := requireStatusEventually(t, suite, job.JobID(), scanning.JobStatusCancelled)
	assert.Equal(t, "cancellation not confirmed by worker within 50ms", final.ErrorMessage())
	_, completed := final.CompletedAt()
	assert.True(t, completed)
}

func TestCancellation_RepeatedCancelKeepsOneTimer(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite, WithCancelGrace(time.Minute))
	ctx := context.Background()

	job := suite.createJob(t, scanning.JobStatusQueued)
	signalled := make(chan struct{})
	suite.worker.On("Cancel", mock.Anything, job.JobID()).
		Run(func(mock.Arguments) { close(signalled) }).
		Return(false, nil).Once()

	first, err := c.Cancel(ctx, job.JobID())
	require.NoError(t, err)
	second, err := c.Cancel(ctx, job.JobID())
	require.NoError(t, err)

	firstAt, _ := first.CancelRequestedAt()
	secondAt, _ := second.CancelRequestedAt()
	assert.Equal(t, firstAt, secondAt)
	assert.Equal(t, first.Revision(), second.Revision())
	assert.Equal(t, 1, c.Pending())

	select {
	case <-signalled:
	case <-time.After(time.Second):
		t.Fatal("worker never received the cancel signal")
	}
	suite.worker.AssertNumberOfCalls(t, "Cancel", 1)
}

func TestCancellation_WorkerCompletionWinsRace(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite, WithCancelGrace(50*time.Millisecond))
	ctx := context.Background()

	job := suite.createJob(t, scanning.JobStatusRunning)
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(false, nil).Once()

	_, err := c.Cancel(ctx, job.JobID())
	require.NoError(t, err)

	_, err = suite.tracker.ApplyUpdate(ctx, job.JobID(), 0, scanning.ProgressUpdate{
		Status:       scanning.JobStatusCompleted,
		Progress:     100,
		FilesScanned: 10,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)

	final, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, final.Status())
	assert.Empty(t, final.ErrorMessage())
}

func TestCancellation_RetriesFailedSignal(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite, WithCancelGrace(5*time.Second))

	job := suite.createJob(t, scanning.JobStatusRunning)
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(false, errors.New("connection reset")).Once()
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(true, nil).Once()

	_, err := c.Cancel(context.Background(), job.JobID())
	require.NoError(t, err)

	requireStatusEventually(t, suite, job.JobID(), scanning.JobStatusCancelled)
	suite.worker.AssertNumberOfCalls(t, "Cancel", 2)
}

func TestCancellation_RecoverResolvesExpiredRequests(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	ctx := context.Background()

	job := suite.createJob(t, scanning.JobStatusRunning)
	require.NoError(t, job.RequestCancel(testNow))
	require.NoError(t, suite.store.UpdateJob(ctx, job))
	suite.createJob(t, scanning.JobStatusRunning)

	c := newTestCoordinator(t, suite, WithCoordinatorClock(fixedClock{testNow.Add(time.Hour)}))

	recovered, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final := requireStatusEventually(t, suite, job.JobID(), scanning.JobStatusCancelled)
	assert.Contains(t, final.ErrorMessage(), "cancellation not confirmed by worker")
}

func TestCancellation_StopDisarmsTimers(t *testing.T) {
	t.Parallel()
	suite := newScanTestSuite(t)
	c := newTestCoordinator(t, suite, WithCancelGrace(30*time.Millisecond))
	ctx := context.Background()

	job := suite.createJob(t, scanning.JobStatusRunning)
	suite.worker.On("Cancel", mock.Anything, job.JobID()).Return(false, nil).Maybe()

	_, err := c.Cancel(ctx, job.JobID())
	require.NoError(t, err)
	c.Stop()
	assert.Equal(t, 0, c.Pending())

	time.Sleep(60 * time.Millisecond)
	stored, err := suite.store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusRunning, stored.Status())
}
