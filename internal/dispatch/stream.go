package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transcription-service/internal/domain"
	"transcription-service/internal/logging"
)

// maxStreamLen caps each model's stream so a stalled consumer group
// cannot grow redis without bound. Trimming is approximate.
const maxStreamLen = 10000

// Stream publishes tasks to per-model redis streams. Remote workers
// claim them through consumer groups, so each task is processed by
// exactly one consumer and redelivered if that consumer dies.
type Stream struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewStream creates the distributed dispatcher over a redis client.
func NewStream(client redis.UniversalClient) *Stream {
	return &Stream{client: client, log: logging.For("dispatch")}
}

// Dispatch appends the serialized task to the model's stream.
func (d *Stream) Dispatch(ctx context.Context, content []byte, originalName, jobID, language string, model domain.ModelConfig) error {
	envelope := TaskEnvelope{
		JobID:          jobID,
		InternalPath:   originalName,
		Language:       language,
		ModelConfig:    model,
		FileContentB64: base64.StdEncoding.EncodeToString(content),
	}
	values, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	stream := model.StreamName()
	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("publish task to %s: %w", stream, err)
	}

	d.log.Debug().
		Str("job", jobID).
		Str("stream", stream).
		Str("entry", id).
		Int("bytes", len(content)).
		Msg("task published")
	return nil
}
