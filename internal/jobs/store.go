// Package jobs owns the job records, their state machine, and retention.
//
// All mutation goes through a Store implementation; no caller ever holds
// a job record shared with the store. Allowed transitions:
//
//	queued -> processing -> completed | failed | cancelled
//	queued -> cancelled
//
// Terminal states never regress. Progress is monotonically non-decreasing
// while a job is processing, which absorbs out-of-order delivery of
// progress messages.
package jobs

import (
	"context"
	"errors"
	"time"

	"transcription-service/internal/domain"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// ErrNotRunnable is returned by MarkProcessing when the job is cancelled,
// already claimed, or terminal. Workers treat it as a no-op signal.
var ErrNotRunnable = errors.New("job not runnable")

// Store is the authoritative record of every job's lifecycle.
type Store interface {
	// Create registers a new job, queued by default. A cache hit may
	// create a job that is already completed.
	Create(ctx context.Context, job domain.Job) error

	// Get returns a snapshot of one job.
	Get(ctx context.Context, id string) (domain.Job, error)

	// BySession returns snapshots of all jobs in a session group.
	BySession(ctx context.Context, sessionID string) ([]domain.Job, error)

	// MarkProcessing transitions queued -> processing and records the
	// claiming worker. Any other state yields ErrNotRunnable.
	MarkProcessing(ctx context.Context, id, worker string) error

	// UpdateProgress raises the job's progress to max(current, progress).
	// Ignored once the job is terminal.
	UpdateProgress(ctx context.Context, id string, progress int) error

	// Complete stores the result and marks the job completed. Discarded
	// silently when the job was cancelled or is otherwise terminal.
	Complete(ctx context.Context, id string, result domain.Result) error

	// Fail marks the job failed with a diagnostic line. No-op on
	// terminal jobs.
	Fail(ctx context.Context, id, diagnostic string) error

	// Cancel marks a queued or processing job cancelled. Idempotent:
	// cancelling an already terminal job returns nil without changes.
	Cancel(ctx context.Context, id string) error

	// AppendLog adds a diagnostic line to the job's debug log.
	AppendLog(ctx context.Context, id, line string) error

	// Sweep removes terminal jobs finished before the cutoff and
	// returns how many were evicted.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// FailStale fails processing jobs not updated since the cutoff,
	// covering workers that died without a terminal message. Returns
	// the ids of the jobs it failed.
	FailStale(ctx context.Context, cutoff time.Time) ([]string, error)
}
