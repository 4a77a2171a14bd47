// Package service exposes the job orchestration facade the request
// boundary talks to: submit, poll, cancel, fetch results.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transcription-service/internal/cache"
	"transcription-service/internal/config"
	"transcription-service/internal/dispatch"
	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
	"transcription-service/internal/logging"
)

// ErrUnknownModel means the requested model ID is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrNotReady means the job has no result yet.
var ErrNotReady = errors.New("job has no result yet")

// SubmitRequest is one transcription submission from the boundary.
type SubmitRequest struct {
	SessionID string
	Filename  string
	Content   []byte
	Language  string
	ModelID   string
}

// JobView is a job snapshot enriched with the completion estimate.
type JobView struct {
	domain.Job
	ETA *time.Time `json:"eta,omitempty"`
}

// Orchestrator coordinates the cache, job store, and dispatcher.
type Orchestrator struct {
	store      jobs.Store
	cache      cache.Cache
	dispatcher dispatch.Dispatcher
	catalog    *config.Catalog
	device     string
	log        zerolog.Logger
	now        func() time.Time
}

// New wires the orchestrator. cache may be nil to disable result reuse.
func New(store jobs.Store, resultCache cache.Cache, dispatcher dispatch.Dispatcher, catalog *config.Catalog, device string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		cache:      resultCache,
		dispatcher: dispatcher,
		catalog:    catalog,
		device:     device,
		log:        logging.For("orchestrator"),
		now:        time.Now,
	}
}

// Submit creates a job for the given audio and hands it to the
// dispatcher. A cache hit short-circuits: the returned job is already
// completed and no work is dispatched.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	model, ok := o.catalog.Model(req.ModelID)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrUnknownModel, req.ModelID)
	}

	now := o.now().UTC()
	job := domain.Job{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Filename:  req.Filename,
		ModelID:   model.ID,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Device:    o.device,
	}

	if o.cache != nil {
		hash := cache.HashBytes(req.Content)
		cached, hit, err := o.cache.Get(ctx, hash)
		if err != nil {
			o.log.Warn().Err(err).Msg("cache lookup failed, proceeding without it")
		}
		if hit {
			job.Status = domain.JobStatusCompleted
			job.Progress = 100
			job.Result = cached
			job.StartedAt = now
			job.FinishedAt = now
			if err := o.store.Create(ctx, job); err != nil {
				return domain.Job{}, fmt.Errorf("create job: %w", err)
			}
			o.log.Info().Str("job", job.ID).Msg("served from result cache")
			return job, nil
		}
	}

	if err := o.store.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	if err := o.dispatcher.Dispatch(ctx, req.Content, req.Filename, job.ID, req.Language, model); err != nil {
		if failErr := o.store.Fail(ctx, job.ID, "dispatch failed: "+err.Error()); failErr != nil {
			o.log.Error().Err(failErr).Str("job", job.ID).Msg("could not mark undispatched job failed")
		}
		return domain.Job{}, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	o.log.Info().Str("job", job.ID).Str("model", model.ID).Str("session", req.SessionID).Msg("job dispatched")
	return job, nil
}

// Job returns one job snapshot with its completion estimate.
func (o *Orchestrator) Job(ctx context.Context, id string) (JobView, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return o.view(job), nil
}

// Session returns every job in a session, oldest first.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) ([]JobView, error) {
	list, err := o.store.BySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	views := make([]JobView, 0, len(list))
	for _, job := range list {
		views = append(views, o.view(job))
	}
	return views, nil
}

// Cancel requests cancellation. Safe to repeat; a terminal job is
// left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.store.Cancel(ctx, id)
}

// Result returns the finished transcription or ErrNotReady.
func (o *Orchestrator) Result(ctx context.Context, id string) (domain.Result, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	if job.Status != domain.JobStatusCompleted || job.Result == nil {
		return domain.Result{}, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.Status)
	}
	return *job.Result, nil
}

// Models lists the presets usable on the orchestrator's device.
func (o *Orchestrator) Models() []domain.ModelConfig {
	return domain.FilterModelsForDevice(o.catalog.Models(), o.device)
}

func (o *Orchestrator) view(job domain.Job) JobView {
	v := JobView{Job: job}
	if eta, ok := jobs.EstimateCompletion(job, o.now()); ok {
		v.ETA = &eta
	}
	return v
}
