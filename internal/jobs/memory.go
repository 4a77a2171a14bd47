package jobs

import (
	"context"
	"sync"
	"time"

	"transcription-service/internal/domain"
)

// MemoryStore keeps all job records in process memory behind one mutex.
// It backs the local execution mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// Create registers a new job, queued unless a status is already set.
func (s *MemoryStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	stored := job.Clone()
	s.jobs[job.ID] = &stored
	return nil
}

// Get returns a snapshot of one job.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

// BySession returns snapshots of all jobs in a session group.
func (s *MemoryStore) BySession(_ context.Context, sessionID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if job.SessionID == sessionID {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

// MarkProcessing transitions queued -> processing and records the worker.
func (s *MemoryStore) MarkProcessing(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusQueued {
		return ErrNotRunnable
	}

	now := s.now()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = now
	job.UpdatedAt = now
	job.Worker = worker
	return nil
}

// UpdateProgress raises progress to max(current, progress).
func (s *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = s.now()
	return nil
}

// Complete stores the result and marks the job completed unless it was
// cancelled in the meantime.
func (s *MemoryStore) Complete(_ context.Context, id string, result domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}

	now := s.now()
	res := result
	res.Segments = append([]domain.Segment(nil), result.Segments...)
	job.Result = &res
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// Fail marks the job failed with a diagnostic line.
func (s *MemoryStore) Fail(_ context.Context, id, diagnostic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}

	now := s.now()
	job.Status = domain.JobStatusFailed
	if diagnostic != "" {
		job.DebugLog = append(job.DebugLog, diagnostic)
	}
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// Cancel marks a queued or processing job cancelled. Idempotent.
func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}

	now := s.now()
	if job.Status == domain.JobStatusProcessing {
		// Worker may still be running; its eventual result is discarded.
		job.Cancelling = true
	}
	job.Status = domain.JobStatusCancelled
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// AppendLog adds a diagnostic line to the job's debug log.
func (s *MemoryStore) AppendLog(_ context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.DebugLog = append(job.DebugLog, line)
	job.UpdatedAt = s.now()
	return nil
}

// Sweep removes terminal jobs finished before the cutoff.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// FailStale fails processing jobs not updated since the cutoff.
func (s *MemoryStore) FailStale(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	now := s.now()
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.DebugLog = append(job.DebugLog, "worker stopped reporting; job marked failed by watchdog")
		job.FinishedAt = now
		job.UpdatedAt = now
		failed = append(failed, id)
	}
	return failed, nil
}
