package jobs

import (
	"context"
	"testing"
	"time"

	"transcription-service/internal/domain"
)

// TestJanitorRunOnce verifies eviction of expired terminal jobs only.
func TestJanitorRunOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return fixed }

	s.Create(ctx, newQueuedJob("old-done"))
	s.MarkProcessing(ctx, "old-done", "w")
	s.Complete(ctx, "old-done", domain.Result{Text: "x"})

	s.now = time.Now
	s.Create(ctx, newQueuedJob("fresh"))

	j := NewJanitor(s, time.Hour, 0, time.Minute)
	if removed := j.RunOnce(ctx); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if removed := j.RunOnce(ctx); removed != 0 {
		t.Fatalf("second run removed = %d, want 0", removed)
	}

	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh job should survive: %v", err)
	}
}

// TestJanitorWatchdog verifies stale processing jobs get failed.
func TestJanitorWatchdog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return fixed }

	s.Create(ctx, newQueuedJob("stuck"))
	s.MarkProcessing(ctx, "stuck", "w")
	s.now = time.Now

	j := NewJanitor(s, 24*time.Hour, 30*time.Minute, time.Minute)
	j.RunOnce(ctx)

	job, err := s.Get(ctx, "stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
}
