package state

import (
	"cmp"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("job not found")

// Store is a thread-safe in-memory registry of jobs.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job // keyed by job id
}

func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
	}
}

// Save registers a job.
func (s *Store) Save(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// SaveBelow registers job only while fewer than limit jobs are stored. The
// check and the insert happen under one lock.
func (s *Store) SaveBelow(job *Job, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) >= limit {
		return false
	}
	s.jobs[job.ID] = job
	return true
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return job, nil
}

// Delete removes a job by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	delete(s.jobs, id)
	return nil
}

// List returns all jobs, newest first.
func (s *Store) List() []*Job {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

// Len returns the number of registered jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
