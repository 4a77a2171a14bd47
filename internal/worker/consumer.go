// Package worker implements the distributed backend's consumer
// process. One consumer serves one model: it joins that model's stream
// consumer group, claims tasks, runs inference, and writes job updates
// back to the shared store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transcription-service/internal/cache"
	"transcription-service/internal/dispatch"
	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
	"transcription-service/internal/logging"
	"transcription-service/internal/pool"
	"transcription-service/internal/transcribe"
)

const (
	claimBlock     = 5 * time.Second
	claimBatch     = 1
	retryBackoff   = 2 * time.Second
	reclaimMinIdle = 5 * time.Minute
)

// Consumer pulls tasks for one model from its redis stream. Delivery
// is at-least-once: a task whose consumer dies before acknowledging is
// redelivered, so every step must tolerate duplicate job IDs.
type Consumer struct {
	client    redis.UniversalClient
	store     jobs.Store
	collector *pool.Collector
	loader    transcribe.Loader
	prober    transcribe.DurationProber
	model     domain.ModelConfig
	device    string
	debug     bool
	name      string
	tempDir   string
	log       zerolog.Logger
}

// NewConsumer builds a consumer for one model. The consumer name is
// derived from hostname and pid so pending entries can be traced back
// to the process that claimed them.
func NewConsumer(client redis.UniversalClient, store jobs.Store, resultCache cache.Cache, loader transcribe.Loader, prober transcribe.DurationProber, model domain.ModelConfig, device string, debug bool) *Consumer {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	name := fmt.Sprintf("%s-%d", host, os.Getpid())

	return &Consumer{
		client:    client,
		store:     store,
		collector: pool.NewCollector(store, resultCache),
		loader:    loader,
		prober:    prober,
		model:     model,
		device:    device,
		debug:     debug,
		name:      name,
		tempDir:   os.TempDir(),
		log:       logging.For("worker").With().Str("model", model.ID).Str("consumer", name).Logger(),
	}
}

// group is the consumer group name for this model.
func (c *Consumer) group() string {
	return "group:" + c.model.ID
}

// Run loads the model and consumes tasks until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	model, err := c.loader.Load(ctx, c.model, c.device)
	if err != nil {
		return fmt.Errorf("load model %s: %w", c.model.ID, err)
	}
	defer model.Close()
	c.log.Info().Str("stream", c.model.StreamName()).Msg("consumer ready")

	for {
		if ctx.Err() != nil {
			return nil
		}

		entries, err := c.claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.log.Warn().Err(err).Dur("backoff", retryBackoff).Msg("claim failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
			continue
		}

		for _, entry := range entries {
			c.handle(ctx, model, entry)
		}
	}
}

// ensureGroup creates the consumer group, tolerating one that already exists.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.model.StreamName(), c.group(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// claim reads the next batch for this consumer, first retrying entries
// abandoned by dead consumers, then fresh stream entries.
func (c *Consumer) claim(ctx context.Context) ([]redis.XMessage, error) {
	reclaimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.model.StreamName(),
		Group:    c.group(),
		Consumer: c.name,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    claimBatch,
	}).Result()
	if err == nil && len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group(),
		Consumer: c.name,
		Streams:  []string{c.model.StreamName(), ">"},
		Count:    claimBatch,
		Block:    claimBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []redis.XMessage
	for _, s := range streams {
		entries = append(entries, s.Messages...)
	}
	return entries, nil
}

// handle processes one claimed entry end to end and acknowledges it.
// Undecodable entries are acknowledged too; redelivering them can never
// succeed.
func (c *Consumer) handle(ctx context.Context, model transcribe.Model, entry redis.XMessage) {
	defer func() {
		if err := c.client.XAck(ctx, c.model.StreamName(), c.group(), entry.ID).Err(); err != nil {
			c.log.Warn().Err(err).Str("entry", entry.ID).Msg("ack failed")
		}
	}()

	envelope, err := dispatch.DecodeEnvelope(entry.Values)
	if err != nil {
		c.log.Error().Err(err).Str("entry", entry.ID).Msg("dropping undecodable entry")
		return
	}
	log := c.log.With().Str("job", envelope.JobID).Logger()

	err = c.store.MarkProcessing(ctx, envelope.JobID, c.name)
	if errors.Is(err, jobs.ErrNotRunnable) || errors.Is(err, jobs.ErrNotFound) {
		log.Info().Msg("job no longer runnable, acknowledging without work")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("claim update failed")
		return
	}

	audioPath, content, err := c.stage(envelope)
	if err != nil {
		c.collector.Apply(ctx, pool.Message{
			Kind:       pool.KindFatalError,
			JobID:      envelope.JobID,
			ErrText:    "could not stage task input",
			Diagnostic: err.Error(),
		})
		return
	}
	defer os.Remove(audioPath)

	c.transcribe(ctx, log, model, envelope, audioPath, cache.HashBytes(content))
}

// stage writes the envelope's audio bytes to a scoped temporary file.
func (c *Consumer) stage(envelope dispatch.TaskEnvelope) (string, []byte, error) {
	content, err := envelope.Content()
	if err != nil {
		return "", nil, err
	}

	ext := filepath.Ext(envelope.InternalPath)
	tmp, err := os.CreateTemp(c.tempDir, "task-*"+ext)
	if err != nil {
		return "", nil, err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), content, nil
}

// transcribe runs inference and folds every update into the store.
func (c *Consumer) transcribe(ctx context.Context, log zerolog.Logger, model transcribe.Model, envelope dispatch.TaskEnvelope, audioPath, hash string) {
	var duration float64
	if c.prober != nil {
		if d, err := c.prober.Duration(ctx, audioPath); err == nil {
			duration = d
		} else {
			log.Warn().Err(err).Msg("duration probe failed, using placeholder progress")
		}
	}

	updates, err := model.Transcribe(ctx, audioPath, envelope.Language, duration)
	if err != nil {
		c.collector.Apply(ctx, pool.Message{
			Kind:       pool.KindFatalError,
			JobID:      envelope.JobID,
			ErrText:    "transcription could not start",
			Diagnostic: transcribe.Diagnostic(err, c.debug),
		})
		return
	}

	for update := range updates {
		switch {
		case update.Err != nil:
			c.collector.Apply(ctx, pool.Message{
				Kind:       pool.KindFatalError,
				JobID:      envelope.JobID,
				ErrText:    "transcription failed",
				Diagnostic: transcribe.Diagnostic(update.Err, c.debug),
			})
			return
		case update.Final != nil:
			c.collector.Apply(ctx, pool.Message{
				Kind:   pool.KindResult,
				JobID:  envelope.JobID,
				Result: update.Final,
				Hash:   hash,
			})
			return
		default:
			c.collector.Apply(ctx, pool.Message{
				Kind:     pool.KindProgress,
				JobID:    envelope.JobID,
				Progress: update.Progress,
			})
		}
	}

	c.collector.Apply(ctx, pool.Message{
		Kind:       pool.KindFatalError,
		JobID:      envelope.JobID,
		ErrText:    "transcription ended without a result",
		Diagnostic: "model runner closed the update stream early",
	})
}
