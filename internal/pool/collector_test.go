package pool

import (
	"context"
	"testing"
	"time"

	"transcription-service/internal/cache"
	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
)

// feed runs a collector over a fixed message sequence and returns once
// every message has been applied.
func feed(ctx context.Context, c *Collector, msgs ...Message) {
	ch := make(chan Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	c.Run(ctx, ch)
}

// TestCollectorCompletesJob checks progress and result application plus
// the cache write.
func TestCollectorCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	resultCache := cache.NewMemoryCache(time.Hour)
	store.Create(ctx, domain.Job{ID: "job-1", SessionID: "s", ModelID: "base", Status: domain.JobStatusQueued})
	store.MarkProcessing(ctx, "job-1", "worker-0")

	result := domain.Result{Text: "hello"}
	feed(ctx, NewCollector(store, resultCache),
		Message{Kind: KindProgress, JobID: "job-1", Progress: 40},
		Message{Kind: KindProgress, JobID: "job-1", Progress: 20},
		Message{Kind: KindResult, JobID: "job-1", Result: &result, Hash: "h1"},
	)

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Result == nil || job.Result.Text != "hello" {
		t.Fatalf("result = %+v", job.Result)
	}

	cached, ok, err := resultCache.Get(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("cache get = (%v, %v), want hit", ok, err)
	}
	if cached.Text != "hello" {
		t.Fatalf("cached text = %q", cached.Text)
	}
}

// TestCollectorDiscardsResultAfterCancel checks a cancelled job stays
// cancelled and its late result never reaches the cache.
func TestCollectorDiscardsResultAfterCancel(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	resultCache := cache.NewMemoryCache(time.Hour)
	store.Create(ctx, domain.Job{ID: "job-1", SessionID: "s", ModelID: "base", Status: domain.JobStatusQueued})
	store.MarkProcessing(ctx, "job-1", "worker-0")
	store.Cancel(ctx, "job-1")

	result := domain.Result{Text: "late"}
	feed(ctx, NewCollector(store, resultCache),
		Message{Kind: KindResult, JobID: "job-1", Result: &result, Hash: "h1"},
	)

	job, _ := store.Get(ctx, "job-1")
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if job.Result != nil {
		t.Fatal("late result must be discarded")
	}
	if _, ok, _ := resultCache.Get(ctx, "h1"); ok {
		t.Fatal("cancelled job result must not be cached")
	}
}

// TestCollectorMarksFailure checks FATAL_ERROR handling.
func TestCollectorMarksFailure(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	store.Create(ctx, domain.Job{ID: "job-1", SessionID: "s", ModelID: "base", Status: domain.JobStatusQueued})
	store.MarkProcessing(ctx, "job-1", "worker-0")

	feed(ctx, NewCollector(store, nil),
		Message{Kind: KindFatalError, JobID: "job-1", ErrText: "transcription failed", Diagnostic: "exit status 1"},
	)

	job, _ := store.Get(ctx, "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if len(job.DebugLog) != 1 || job.DebugLog[0] != "transcription failed: exit status 1" {
		t.Fatalf("debug log = %v", job.DebugLog)
	}
}

// TestCollectorToleratesUnknownJob checks stray messages do not stop the loop.
func TestCollectorToleratesUnknownJob(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	store.Create(ctx, domain.Job{ID: "job-1", SessionID: "s", ModelID: "base", Status: domain.JobStatusQueued})
	store.MarkProcessing(ctx, "job-1", "worker-0")

	feed(ctx, NewCollector(store, nil),
		Message{Kind: KindProgress, JobID: "ghost", Progress: 10},
		Message{Kind: KindProgress, JobID: "job-1", Progress: 25},
	)

	job, _ := store.Get(ctx, "job-1")
	if job.Progress != 25 {
		t.Fatalf("progress = %d, want 25", job.Progress)
	}
}
