// Package memstore is an in-process taskqueue.Store.
// It is safe for concurrent use within one process and is intended for
// tests, examples and single-binary deployments that need no durability.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mhpenta/taskqueue"
)

var _ taskqueue.Store = (*Store)(nil)

// Store keeps every job in a map keyed by ID.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]*taskqueue.Job
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[int64]*taskqueue.Job),
	}
}

func (s *Store) InsertJob(_ context.Context, j *taskqueue.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := clone(j)
	stored.ID = s.nextID
	s.jobs[stored.ID] = stored
	return stored.ID, nil
}

func (s *Store) FindCandidates(_ context.Context, q taskqueue.CandidateQuery) ([]taskqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []taskqueue.Job
	for _, j := range s.jobs {
		if q.Matches(j) {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NotBefore.Equal(out[b].NotBefore) {
			return out[a].NotBefore.Before(out[b].NotBefore)
		}
		return out[a].ID < out[b].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, c taskqueue.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[c.ID]
	if !ok || !c.Matches(j) {
		return false, nil
	}
	c.Apply(j)
	return true, nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*taskqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, taskqueue.ErrJobNotFound
	}
	return clone(j), nil
}

func (s *Store) CompleteJob(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Fetched == nil || j.Completed != nil {
		return false, nil
	}
	j.Completed = &at
	return true, nil
}

func (s *Store) FailJob(_ context.Context, id int64, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Fetched == nil || j.Completed != nil {
		return false, nil
	}
	j.Failed++
	j.FailureMessage = message
	j.Fetched = nil
	j.ExpiresAt = nil
	j.WorkerKey = ""
	return true, nil
}

func (s *Store) CountPending(_ context.Context, jobType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, j := range s.jobs {
		if j.Completed == nil && (jobType == "" || j.JobType == jobType) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListGroup(_ context.Context, group string) ([]taskqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []taskqueue.Job
	for _, j := range s.jobs {
		if j.Group == group {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *Store) DeleteCompleted(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Completed != nil && j.Completed.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteExhausted(_ context.Context, q taskqueue.ExhaustedQuery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		for _, f := range q.Types {
			if f.ExhaustedBy(j) {
				delete(s.jobs, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func clone(j *taskqueue.Job) *taskqueue.Job {
	c := *j
	if j.Data != nil {
		c.Data = append([]byte(nil), j.Data...)
	}
	if j.Fetched != nil {
		t := *j.Fetched
		c.Fetched = &t
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	if j.Completed != nil {
		t := *j.Completed
		c.Completed = &t
	}
	return &c
}
