package store

import (
	"sort"
	"sync"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.JobRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.JobRecord)}
}

// SaveJob stores a copy of rec
func (s *MemoryStore) SaveJob(rec *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Transitions = append([]models.StateTransition(nil), rec.Transitions...)
	s.jobs[rec.ID] = &cp
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListJobs returns matching jobs, newest first
func (s *MemoryStore) ListJobs(filter Filter) ([]*models.JobRecord, error) {
	s.mu.RLock()
	out := make([]*models.JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if filter.matches(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }
