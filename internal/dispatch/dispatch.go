// Package dispatch hands accepted jobs off to workers. Two strategies
// implement one contract: Local drops tasks onto an in-process pool's
// channel, Stream publishes them to a durable redis stream consumed by
// separate worker processes.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"transcription-service/internal/config"
	"transcription-service/internal/domain"
)

// ErrNoPool means no worker pool or stream target exists for the
// requested model. Surfaced to the caller before any job is created.
var ErrNoPool = errors.New("no worker pool for model")

// Dispatcher hands one accepted job to whichever backend will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, content []byte, originalName, jobID, language string, model domain.ModelConfig) error
}

// New selects the dispatcher variant for the configured backend. The
// redis client is required for the distributed backend and ignored by
// the local one.
func New(settings config.Settings, pools *Registry, client redis.UniversalClient) (Dispatcher, error) {
	switch settings.Backend {
	case config.BackendLocal:
		return NewLocal(pools), nil
	case config.BackendDistributed:
		if client == nil {
			return nil, errors.New("distributed backend requires a redis client")
		}
		return NewStream(client), nil
	default:
		return nil, fmt.Errorf("unknown execution backend: %s", settings.Backend)
	}
}
