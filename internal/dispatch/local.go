package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"transcription-service/internal/cache"
	"transcription-service/internal/domain"
	"transcription-service/internal/pool"
)

// Registry maps model IDs to the task channels of their running pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]chan<- *pool.Task
}

// NewRegistry creates an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]chan<- *pool.Task)}
}

// Add registers a pool's task channel under its model ID.
func (r *Registry) Add(modelID string, tasks chan<- *pool.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[modelID] = tasks
}

// Tasks returns the task channel for a model, if a pool is running.
func (r *Registry) Tasks(modelID string) (chan<- *pool.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks, ok := r.pools[modelID]
	return tasks, ok
}

// Local enqueues tasks onto in-process worker pools. The input bytes
// are staged in a temporary file that the worker removes when done.
type Local struct {
	pools   *Registry
	tempDir string
}

// NewLocal creates the local dispatcher over a pool registry.
func NewLocal(pools *Registry) *Local {
	return &Local{pools: pools, tempDir: os.TempDir()}
}

// Dispatch stages the audio on disk and hands the task to the model's pool.
func (d *Local) Dispatch(ctx context.Context, content []byte, originalName, jobID, language string, model domain.ModelConfig) error {
	tasks, ok := d.pools.Tasks(model.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPool, model.ID)
	}

	ext := filepath.Ext(originalName)
	tmp, err := os.CreateTemp(d.tempDir, "upload-*"+ext)
	if err != nil {
		return fmt.Errorf("stage input: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("stage input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("stage input: %w", err)
	}

	task := &pool.Task{
		JobID:     jobID,
		AudioPath: tmp.Name(),
		Language:  language,
		Model:     model,
		Hash:      cache.HashBytes(content),
	}

	select {
	case tasks <- task:
		return nil
	case <-ctx.Done():
		os.Remove(tmp.Name())
		return fmt.Errorf("enqueue task: %w", ctx.Err())
	}
}
