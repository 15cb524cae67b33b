// Package store keeps the in-memory table of download job records.
//
// A single mutex guards the whole table. Record counts are small and
// contention is low, so coarse locking keeps every read-modify-write
// linearized without per-record machinery.
package store

import (
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/internal/model"
)

type Store struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func New() *Store {
	return &Store{jobs: make(map[string]*model.Job)}
}

// Create inserts a new record. Returns model.ErrDuplicateID when the id
// is already present.
func (s *Store) Create(job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return model.ErrDuplicateID
	}
	j := job
	s.jobs[job.ID] = &j
	return nil
}

// Get returns a copy of the record or model.ErrNotFound.
func (s *Store) Get(id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return *j, nil
}

// Update applies mutate to the record while holding the table lock and
// returns the resulting copy. The mutator must not block.
func (s *Store) Update(id string, mutate func(*model.Job)) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	mutate(j)
	return *j, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// List returns copies of all records.
func (s *Store) List() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// ListActive returns copies of records whose status is non-terminal.
func (s *Store) ListActive() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, *j)
		}
	}
	return out
}

// CountActive counts non-terminal records matching pred. A nil pred
// matches everything.
func (s *Store) CountActive(pred func(model.Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if !j.Status.Active() {
			continue
		}
		if pred == nil || pred(*j) {
			n++
		}
	}
	return n
}

// TerminalBefore returns copies of terminal records that ended before
// cutoff. Used by the retention sweeper.
func (s *Store) TerminalBefore(cutoff time.Time) []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status.Terminal() && !j.EndedAt.IsZero() && j.EndedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out
}
