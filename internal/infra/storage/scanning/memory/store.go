// Package memory provides an in-process implementation of the scan store.
// It backs tests and single-instance deployments that run without Postgres.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

var (
	_ scanning.JobRepository       = (*Store)(nil)
	_ scanning.RepositoryDirectory = (*Store)(nil)
)

type branchKey struct {
	repositoryID uuid.UUID
	branch       string
}

// Store keeps jobs and repositories in maps guarded by a single mutex. The
// one-active-job rule and the revision gate are checked under that mutex.
// Jobs are cloned on the way in and out so callers never share state.
type Store struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*scanning.Job
	active map[branchKey]uuid.UUID
	repos  map[uuid.UUID]scanning.Repository
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[uuid.UUID]*scanning.Job),
		active: make(map[branchKey]uuid.UUID),
		repos:  make(map[uuid.UUID]scanning.Repository),
	}
}

// AddRepository registers a repository with the directory.
func (s *Store) AddRepository(repo scanning.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.ID] = repo
}

// GetRepository implements scanning.RepositoryDirectory.
func (s *Store) GetRepository(_ context.Context, id uuid.UUID) (*scanning.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[id]
	if !ok {
		return nil, scanning.ErrRepositoryNotFound
	}
	return &repo, nil
}

// CreateJob implements scanning.JobRepository.
func (s *Store) CreateJob(_ context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[job.RepositoryID()]; !ok {
		return scanning.ErrRepositoryNotFound
	}

	key := branchKey{repositoryID: job.RepositoryID(), branch: job.Branch()}
	if activeID, ok := s.active[key]; ok && job.Status().IsActive() {
		return &scanning.ActiveJobConflictError{
			RepositoryID: job.RepositoryID(),
			Branch:       job.Branch(),
			ActiveJobID:  activeID,
		}
	}

	s.jobs[job.JobID()] = job.Clone()
	if job.Status().IsActive() {
		s.active[key] = job.JobID()
	}
	return nil
}

// GetJob implements scanning.JobRepository.
func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, scanning.ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob implements scanning.JobRepository.
func (s *Store) UpdateJob(_ context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.JobID()]
	switch {
	case !ok:
		return scanning.ErrJobNotFound
	case stored.Revision() != job.Revision():
		return scanning.ErrRevisionConflict
	case stored.IsTerminal():
		return scanning.ErrJobTerminal
	}

	job.CommitRevision()
	s.jobs[job.JobID()] = job.Clone()

	if job.IsTerminal() {
		key := branchKey{repositoryID: job.RepositoryID(), branch: job.Branch()}
		if s.active[key] == job.JobID() {
			delete(s.active, key)
		}
	}
	return nil
}

// ListJobs implements scanning.JobRepository.
func (s *Store) ListJobs(_ context.Context, filter scanning.JobFilter) ([]*scanning.Job, int, error) {
	s.mu.Lock()
	matched := make([]*scanning.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.RepositoryID != uuid.Nil && job.RepositoryID() != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && job.Status() != filter.Status {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b *scanning.Job) int {
		if c := b.CreatedAt().Compare(a.CreatedAt()); c != 0 {
			return c
		}
		ai, bi := a.JobID(), b.JobID()
		return bytes.Compare(ai[:], bi[:])
	})

	total := len(matched)
	start := min(filter.Offset(), total)
	end := total
	if filter.PerPage > 0 {
		end = min(start+filter.PerPage, total)
	}
	return matched[start:end], total, nil
}

// ListPendingCancellations implements scanning.JobRepository.
func (s *Store) ListPendingCancellations(_ context.Context) ([]*scanning.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*scanning.Job
	for _, job := range s.jobs {
		if _, requested := job.CancelRequestedAt(); requested && !job.IsTerminal() {
			pending = append(pending, job.Clone())
		}
	}
	return pending, nil
}
