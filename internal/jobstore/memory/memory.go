// Package memory is an in-memory jobstore.Store used by tests and by
// single-node development setups without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/errors"
)

type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

var _ jobstore.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return errors.AlreadyExists("job", j.ID)
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *Store) List(ctx context.Context, f jobstore.ListFilter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.SessionID != "" && j.SessionID != f.SessionID {
			continue
		}
		if !f.CompletedBefore.IsZero() {
			if j.CompletedAt == nil || !j.CompletedAt.Before(f.CompletedBefore) {
				continue
			}
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) Claim(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	if !j.Status.CanTransition(job.StatusProcessing) {
		return nil, errors.Conflict("job " + id + " is not queued")
	}
	j.Status = job.StatusProcessing
	cp := *j
	return &cp, nil
}

func (s *Store) SetMessage(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	j.Message = job.TruncateMessage(msg)
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id, outputPath string, at time.Time) error {
	return s.finish(id, job.StatusCompleted, "", outputPath, at)
}

func (s *Store) MarkFailed(ctx context.Context, id, msg string, at time.Time) error {
	return s.finish(id, job.StatusFailed, msg, "", at)
}

func (s *Store) finish(id string, next job.Status, msg, outputPath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if !j.Status.CanTransition(next) {
		return errors.Conflict("job " + id + " cannot move from " + string(j.Status) + " to " + string(next))
	}
	j.Status = next
	j.Message = job.TruncateMessage(msg)
	j.OutputPath = outputPath
	t := at.UTC()
	j.CompletedAt = &t
	return nil
}

func (s *Store) FailOrphaned(ctx context.Context, msg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.Status == job.StatusProcessing {
			j.Status = job.StatusFailed
			j.Message = job.TruncateMessage(msg)
			t := now
			j.CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.NotFound("job", id)
	}
	delete(s.jobs, id)
	return nil
}
