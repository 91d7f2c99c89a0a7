package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, scanning.Repository) {
	t.Helper()

	store := NewStore()
	repo := scanning.Repository{
		ID:            uuid.New(),
		FullName:      "acme/widgets",
		CloneURL:      "https://github.com/acme/widgets.git",
		DefaultBranch: "main",
	}
	store.AddRepository(repo)
	return store, repo
}

func newJob(t *testing.T, repoID uuid.UUID, branch string, createdAt time.Time) *scanning.Job {
	t.Helper()

	job, err := scanning.NewJob(scanning.NewJobParams{RepositoryID: repoID, Branch: branch}, createdAt)
	require.NoError(t, err)
	return job
}

func TestStore_CreateAndGetReturnsCopies(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	job := newJob(t, repo.ID, "main", testNow)
	require.NoError(t, store.CreateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, job.State(), loaded.State())

	// Mutating the loaded copy must not leak into the store.
	require.NoError(t, loaded.MarkQueued(testNow))
	again, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusPending, again.Status())
}

func TestStore_CreateJob_Errors(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	err := store.CreateJob(ctx, newJob(t, uuid.New(), "main", testNow))
	require.ErrorIs(t, err, scanning.ErrRepositoryNotFound)

	first := newJob(t, repo.ID, "main", testNow)
	require.NoError(t, store.CreateJob(ctx, first))

	err = store.CreateJob(ctx, newJob(t, repo.ID, "main", testNow))
	var conflict *scanning.ActiveJobConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.JobID(), conflict.ActiveJobID)
	assert.True(t, scanning.IsConflict(err))
}

func TestStore_ConcurrentCreatesYieldOneActiveJob(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	const attempts = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CreateJob(ctx, newJob(t, repo.ID, "main", testNow)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
}

func TestStore_UpdateJob_RevisionGate(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	job := newJob(t, repo.ID, "main", testNow)
	require.NoError(t, store.CreateJob(ctx, job))

	a, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	b, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)

	require.NoError(t, a.Cancel("", testNow))
	require.NoError(t, store.UpdateJob(ctx, a))
	assert.Equal(t, int64(2), a.Revision())

	require.NoError(t, b.ApplyProgress(scanning.ProgressUpdate{Status: scanning.JobStatusCompleted}, testNow))
	require.ErrorIs(t, store.UpdateJob(ctx, b), scanning.ErrRevisionConflict)

	// A terminal job is frozen even when the revision matches.
	fresh, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.ErrorIs(t, store.UpdateJob(ctx, fresh), scanning.ErrJobTerminal)

	require.ErrorIs(t, store.UpdateJob(ctx, newJob(t, repo.ID, "x", testNow)), scanning.ErrJobNotFound)

	// The branch is free once its job is terminal.
	require.NoError(t, store.CreateJob(ctx, newJob(t, repo.ID, "main", testNow)))
}

func TestStore_ListJobs(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	other := scanning.Repository{ID: uuid.New(), FullName: "acme/other", DefaultBranch: "main"}
	store.AddRepository(other)

	branches := []string{"a", "b", "c"}
	for i, branch := range branches {
		job := newJob(t, repo.ID, branch, testNow.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.CreateJob(ctx, job))
		if branch == "a" {
			require.NoError(t, job.MarkFailed("boom", testNow))
			require.NoError(t, store.UpdateJob(ctx, job))
		}
	}
	require.NoError(t, store.CreateJob(ctx, newJob(t, other.ID, "main", testNow)))

	tests := []struct {
		name      string
		filter    scanning.JobFilter
		wantTotal int
		wantOrder []string
	}{
		{
			name:      "first page newest first",
			filter:    scanning.JobFilter{RepositoryID: repo.ID, Page: 1, PerPage: 2},
			wantTotal: 3,
			wantOrder: []string{"c", "b"},
		},
		{
			name:      "second page",
			filter:    scanning.JobFilter{RepositoryID: repo.ID, Page: 2, PerPage: 2},
			wantTotal: 3,
			wantOrder: []string{"a"},
		},
		{
			name:      "page past the end",
			filter:    scanning.JobFilter{RepositoryID: repo.ID, Page: 5, PerPage: 2},
			wantTotal: 3,
			wantOrder: []string{},
		},
		{
			name:      "status filter",
			filter:    scanning.JobFilter{Status: scanning.JobStatusFailed, Page: 1, PerPage: 10},
			wantTotal: 1,
			wantOrder: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, total, err := store.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)

			got := make([]string, 0, len(jobs))
			for _, j := range jobs {
				got = append(got, j.Branch())
			}
			assert.Equal(t, tt.wantOrder, got)
		})
	}
}

func TestStore_ListPendingCancellations(t *testing.T) {
	t.Parallel()
	store, repo := setupStore(t)
	ctx := context.Background()

	job := newJob(t, repo.ID, "main", testNow)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.CreateJob(ctx, newJob(t, repo.ID, "dev", testNow)))

	require.NoError(t, job.MarkQueued(testNow))
	require.NoError(t, job.RequestCancel(testNow))
	require.NoError(t, store.UpdateJob(ctx, job))

	pending, err := store.ListPendingCancellations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.JobID(), pending[0].JobID())
}
