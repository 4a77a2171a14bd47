// Package pool runs the long-lived per-model worker pools and the
// collectors that fold worker messages back into the job store.
package pool

import "transcription-service/internal/domain"

// MessageKind tags a worker-to-collector message.
type MessageKind string

// Worker message kinds.
const (
	KindProgress   MessageKind = "progress"
	KindResult     MessageKind = "result"
	KindFatalError MessageKind = "fatal_error"
)

// Message is one element of a pool's result channel. Exactly one of
// the payload fields matching Kind is meaningful. A message with an
// empty JobID reports a worker-level failure, such as a model that
// could not be loaded.
type Message struct {
	Kind       MessageKind
	JobID      string
	Progress   int
	Result     *domain.Result
	Hash       string
	ErrText    string
	Diagnostic string
}

// Task is one unit of work handed to a pool worker. AudioPath points
// at a temporary file the worker deletes after processing. Hash is the
// content digest used to populate the cache on success.
type Task struct {
	JobID     string
	AudioPath string
	Language  string
	Model     domain.ModelConfig
	Hash      string
}
