package pool

import (
	"context"

	"github.com/rs/zerolog"

	"transcription-service/internal/cache"
	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
	"transcription-service/internal/logging"
)

// Collector folds one pool's result channel into the job store and the
// result cache. One collector runs per pool.
type Collector struct {
	store jobs.Store
	cache cache.Cache
	log   zerolog.Logger
}

// NewCollector wires a collector to the store and cache. cache may be
// nil when result caching is disabled.
func NewCollector(store jobs.Store, resultCache cache.Cache) *Collector {
	return &Collector{
		store: store,
		cache: resultCache,
		log:   logging.For("collector"),
	}
}

// Run consumes messages until the channel closes or the context ends.
func (c *Collector) Run(ctx context.Context, results <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-results:
			if !ok {
				return
			}
			c.Apply(ctx, msg)
		}
	}
}

// Apply handles one message. Errors are logged, never fatal: a bad
// update must not stop the collector. The distributed worker calls
// this directly since its messages never cross a channel.
func (c *Collector) Apply(ctx context.Context, msg Message) {
	if msg.JobID == "" {
		c.log.Error().Str("error", msg.ErrText).Str("diagnostic", msg.Diagnostic).Msg("worker-level failure")
		return
	}

	switch msg.Kind {
	case KindProgress:
		if err := c.store.UpdateProgress(ctx, msg.JobID, msg.Progress); err != nil {
			c.log.Warn().Err(err).Str("job", msg.JobID).Msg("progress update dropped")
		}

	case KindResult:
		if msg.Result == nil {
			c.log.Error().Str("job", msg.JobID).Msg("result message without payload")
			return
		}
		if err := c.store.Complete(ctx, msg.JobID, *msg.Result); err != nil {
			c.log.Warn().Err(err).Str("job", msg.JobID).Msg("completion dropped")
			return
		}
		c.maybeCacheResult(ctx, msg)

	case KindFatalError:
		diagnostic := msg.ErrText
		if msg.Diagnostic != "" {
			diagnostic = msg.ErrText + ": " + msg.Diagnostic
		}
		if err := c.store.Fail(ctx, msg.JobID, diagnostic); err != nil {
			c.log.Warn().Err(err).Str("job", msg.JobID).Msg("failure update dropped")
		}

	default:
		c.log.Error().Str("kind", string(msg.Kind)).Msg("unknown message kind")
	}
}

// maybeCacheResult publishes the result keyed by content hash, but only
// when the job actually reached completed. A cancelled job's late
// result is discarded by the store and must not poison the cache.
func (c *Collector) maybeCacheResult(ctx context.Context, msg Message) {
	if c.cache == nil || msg.Hash == "" {
		return
	}

	job, err := c.store.Get(ctx, msg.JobID)
	if err != nil || job.Status != domain.JobStatusCompleted {
		return
	}
	if err := c.cache.Set(ctx, msg.Hash, *msg.Result); err != nil {
		c.log.Warn().Err(err).Str("job", msg.JobID).Msg("result cache write failed")
	}
}
