package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dunamismax/latentwalk/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type record struct {
	mu  sync.RWMutex
	job domain.Job
}

// MemoryJobStore keeps jobs for the lifetime of the process. The registry
// lock only guards the map; each record carries its own lock so a long
// status poll on one job never contends with another job's runner.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*record
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*record),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = &record{job: job.Snapshot()}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return domain.Job{}, false, nil
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.job.Snapshot(), true, nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, mutate func(*domain.Job) error) (domain.Job, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.job.Snapshot()
	if err := mutate(&next); err != nil {
		return rec.job.Snapshot(), err
	}
	if next.ID != rec.job.ID {
		return rec.job.Snapshot(), errors.New("job id is immutable")
	}
	rec.job = next
	return next.Snapshot(), nil
}

// List returns snapshots ordered by creation time.
func (s *MemoryJobStore) List(_ context.Context) ([]domain.Job, error) {
	s.mu.RLock()
	records := make([]*record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	out := make([]domain.Job, 0, len(records))
	for _, rec := range records {
		rec.mu.RLock()
		out = append(out, rec.job.Snapshot())
		rec.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok
}
