package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"transcription-service/internal/logging"
)

// Janitor evicts expired terminal jobs and fails stale processing jobs
// whose worker died without sending a terminal message.
type Janitor struct {
	store        Store
	retention    time.Duration
	staleTimeout time.Duration
	interval     time.Duration
	log          zerolog.Logger
	cron         *cron.Cron
}

// NewJanitor creates a janitor sweeping on the given interval.
// A staleTimeout of zero disables the liveness watchdog.
func NewJanitor(store Store, retention, staleTimeout, interval time.Duration) *Janitor {
	return &Janitor{
		store:        store,
		retention:    retention,
		staleTimeout: staleTimeout,
		interval:     interval,
		log:          logging.For("janitor"),
	}
}

// Start schedules periodic sweeps. Overlapping runs are skipped so the
// janitor never executes concurrently with itself.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := j.cron.AddFunc("@every "+j.interval.String(), func() {
		j.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the sweep schedule and waits for an in-flight run.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce performs a single sweep pass and returns how many jobs were
// evicted. Safe to call directly from tests.
func (j *Janitor) RunOnce(ctx context.Context) int {
	now := time.Now()

	if j.staleTimeout > 0 {
		stale, err := j.store.FailStale(ctx, now.Add(-j.staleTimeout))
		if err != nil {
			j.log.Error().Err(err).Msg("stale job check failed")
		}
		for _, id := range stale {
			j.log.Warn().Str("job_id", id).Msg("processing job went stale, marked failed")
		}
	}

	removed, err := j.store.Sweep(ctx, now.Add(-j.retention))
	if err != nil {
		j.log.Error().Err(err).Msg("retention sweep failed")
		return 0
	}
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("evicted expired jobs")
	}
	return removed
}
