// Package transcribe defines the model-runner boundary and its
// whisper.cpp implementation. The actual speech recognition is opaque
// to the rest of the service: a loaded Model turns an audio file into
// a stream of progress updates followed by one final result.
package transcribe

import (
	"context"
	"errors"

	"transcription-service/internal/domain"
)

// ErrModelLoad marks a model that could not be loaded. Fatal for the
// worker that attempted the load.
var ErrModelLoad = errors.New("model load failed")

// Update is one element of a transcription stream: an intermediate
// progress value, the final result, or a terminal error. Exactly one
// of Final and Err is set on the last update; all earlier updates carry
// only Progress.
type Update struct {
	Progress int
	Final    *domain.Result
	Err      error
}

// Model is a loaded inference model ready to process audio files.
type Model interface {
	// Transcribe streams progress updates in [0,99] followed by a
	// terminal Final or Err update, then closes the channel. The
	// durationSeconds hint drives progress estimation; pass 0 when
	// unknown.
	Transcribe(ctx context.Context, audioPath, language string, durationSeconds float64) (<-chan Update, error)

	// Close releases the model's resources.
	Close() error
}

// Loader creates Models. Loading is expensive; pool workers call it
// exactly once and reuse the handle for every task.
type Loader interface {
	Load(ctx context.Context, cfg domain.ModelConfig, device string) (Model, error)
}

// progressPlaceholder is emitted when the audio duration is unknown,
// instead of a computed fraction.
const progressPlaceholder = 50

// ProgressForOffset estimates progress from a segment end offset against
// the total duration, clamped to [0,99]. 100 is reserved for the final
// result.
func ProgressForOffset(endSeconds, durationSeconds float64) int {
	if durationSeconds <= 0 {
		return progressPlaceholder
	}

	p := int((endSeconds / durationSeconds) * 100)
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	return p
}
