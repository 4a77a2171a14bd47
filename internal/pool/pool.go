package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
	"transcription-service/internal/logging"
	"transcription-service/internal/transcribe"
)

const taskBacklog = 128

// Pool owns a fixed set of workers serving one model. Each worker
// loads the model once and then pulls tasks until it receives a nil
// sentinel or its context is cancelled.
type Pool struct {
	cfg    domain.ModelConfig
	device string
	store  jobs.Store
	loader transcribe.Loader
	prober transcribe.DurationProber
	debug  bool
	log    zerolog.Logger

	tasks   chan *Task
	results chan Message

	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pool for one model config. The worker count comes from
// the config, floored at one. prober may be nil; progress then falls
// back to the mid-range placeholder. debug adds command stderr to the
// diagnostics of failed jobs.
func New(cfg domain.ModelConfig, device string, store jobs.Store, loader transcribe.Loader, prober transcribe.DurationProber, debug bool) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		cfg:     cfg,
		device:  device,
		store:   store,
		loader:  loader,
		prober:  prober,
		debug:   debug,
		log:     logging.For("pool").With().Str("model", cfg.ID).Logger(),
		tasks:   make(chan *Task, taskBacklog),
		results: make(chan Message, taskBacklog),
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Tasks is the channel the dispatcher enqueues work onto.
func (p *Pool) Tasks() chan<- *Task { return p.tasks }

// Results is the channel a collector consumes. It is closed once every
// worker has exited.
func (p *Pool) Results() <-chan Message { return p.results }

// Start launches the workers. The given context bounds their lifetime;
// Shutdown cancels it after the grace period as a last resort.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, fmt.Sprintf("%s-%d", p.cfg.ID, i))
	}

	go func() {
		p.wg.Wait()
		close(p.results)
		close(p.done)
	}()
	p.log.Info().Int("workers", p.workers).Str("device", p.device).Msg("pool started")
}

// Shutdown sends one sentinel per worker and waits up to grace for the
// pool to drain, then cancels stragglers.
func (p *Pool) Shutdown(grace time.Duration) {
	for i := 0; i < p.workers; i++ {
		p.tasks <- nil
	}

	select {
	case <-p.done:
	case <-time.After(grace):
		p.log.Warn().Dur("grace", grace).Msg("pool did not drain in time, cancelling workers")
		p.cancel()
		<-p.done
	}
	p.log.Info().Msg("pool stopped")
}

// runWorker is one worker's whole life: load the model, then serve
// tasks until a sentinel arrives or the context is cancelled.
func (p *Pool) runWorker(ctx context.Context, name string) {
	defer p.wg.Done()
	log := p.log.With().Str("worker", name).Logger()

	model, err := p.loader.Load(ctx, p.cfg, p.device)
	if err != nil {
		log.Error().Err(err).Msg("model load failed, worker not starting")
		p.results <- Message{
			Kind:       KindFatalError,
			ErrText:    fmt.Sprintf("worker %s could not load model %s", name, p.cfg.ID),
			Diagnostic: err.Error(),
		}
		return
	}
	defer model.Close()
	log.Info().Msg("model loaded")

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if task == nil {
				log.Debug().Msg("sentinel received, worker exiting")
				return
			}
			p.process(ctx, log, name, model, task)
		}
	}
}

// process runs one task end to end. The temporary input file is
// removed regardless of outcome.
func (p *Pool) process(ctx context.Context, log zerolog.Logger, worker string, model transcribe.Model, task *Task) {
	defer func() {
		if task.AudioPath != "" {
			if err := os.Remove(task.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("path", task.AudioPath).Msg("temp file cleanup failed")
			}
		}
	}()

	err := p.store.MarkProcessing(ctx, task.JobID, worker)
	if errors.Is(err, jobs.ErrNotRunnable) || errors.Is(err, jobs.ErrNotFound) {
		log.Info().Str("job", task.JobID).Msg("job no longer runnable, skipping")
		return
	}
	if err != nil {
		p.results <- Message{
			Kind:       KindFatalError,
			JobID:      task.JobID,
			ErrText:    "could not claim job",
			Diagnostic: err.Error(),
		}
		return
	}

	var duration float64
	if p.prober != nil {
		d, probeErr := p.prober.Duration(ctx, task.AudioPath)
		if probeErr != nil {
			log.Warn().Err(probeErr).Str("job", task.JobID).Msg("duration probe failed, using placeholder progress")
		} else {
			duration = d
		}
	}

	updates, err := model.Transcribe(ctx, task.AudioPath, task.Language, duration)
	if err != nil {
		p.results <- Message{
			Kind:       KindFatalError,
			JobID:      task.JobID,
			ErrText:    "transcription could not start",
			Diagnostic: transcribe.Diagnostic(err, p.debug),
		}
		return
	}

	for update := range updates {
		switch {
		case update.Err != nil:
			p.results <- Message{
				Kind:       KindFatalError,
				JobID:      task.JobID,
				ErrText:    "transcription failed",
				Diagnostic: transcribe.Diagnostic(update.Err, p.debug),
			}
			return
		case update.Final != nil:
			p.results <- Message{
				Kind:   KindResult,
				JobID:  task.JobID,
				Result: update.Final,
				Hash:   task.Hash,
			}
			return
		default:
			p.results <- Message{
				Kind:     KindProgress,
				JobID:    task.JobID,
				Progress: update.Progress,
			}
		}
	}

	// Channel closed without a terminal update.
	p.results <- Message{
		Kind:       KindFatalError,
		JobID:      task.JobID,
		ErrText:    "transcription ended without a result",
		Diagnostic: "model runner closed the update stream early",
	}
}
