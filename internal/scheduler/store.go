package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// Store is the in-memory job list mirrored to the jobs document. Every
// mutation persists the full list before returning; a failed write rolls
// the mutation back so memory and disk never diverge.
type Store struct {
	log logx.Logger
	db  storage.Store

	mu   sync.Mutex
	jobs []Job
}

func NewStore(db storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log: log.With(logx.String("svc", "scheduler")),
		db:  db,
	}
}

// Load replaces the in-memory list with the persisted snapshot, which is
// the sole source of truth at startup. A missing document is a fresh start.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.db.LoadDocument(ctx, storage.DocJobs)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("decode job snapshot: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	s.log.Info("loaded scheduled jobs", logx.Int("jobs", len(jobs)))
	return nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.jobs == nil {
		s.jobs = []Job{}
	}
	data, err := json.Marshal(s.jobs)
	if err != nil {
		return err
	}
	return s.db.SaveDocument(ctx, storage.DocJobs, data)
}

// Create appends the job and persists. The job keeps the id NewJob gave it.
func (s *Store) Create(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if err := s.persistLocked(ctx); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return fmt.Errorf("persist job create: %w", err)
	}
	return nil
}

// Modify replaces the job with the matching id.
func (s *Store) Modify(ctx context.Context, id string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("modify job %s: %w", id, ErrNotFound)
	}
	prev := s.jobs[idx]
	job.ID = id
	s.jobs[idx] = job
	if err := s.persistLocked(ctx); err != nil {
		s.jobs[idx] = prev
		return fmt.Errorf("persist job modify: %w", err)
	}
	return nil
}

// Delete removes the job with the matching id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("delete job %s: %w", id, ErrNotFound)
	}
	prev := s.jobs[idx]
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	if err := s.persistLocked(ctx); err != nil {
		s.jobs = append(s.jobs[:idx], append([]Job{prev}, s.jobs[idx:]...)...)
		return fmt.Errorf("persist job delete: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	for i, j := range s.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.jobs[idx], nil
	}
	return Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
}

// Find returns the first job matching pred.
func (s *Store) Find(pred func(Job) bool) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if pred(j) {
			return j, true
		}
	}
	return Job{}, false
}

// List returns a copy of all jobs.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// ListWhere returns all jobs matching pred.
func (s *Store) ListWhere(pred func(Job) bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if pred(j) {
			out = append(out, j)
		}
	}
	return out
}
