package domain

import "time"

// JobStatus tracks the lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Segment is one time-aligned portion of a transcript.
type Segment struct {
	Start   float64 `json:"start"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result holds the final transcript produced for one job.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Job stores identity, lifecycle state, and outcome for one transcription request.
type Job struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
	ModelID   string `json:"modelId"`

	Status     JobStatus `json:"status"`
	Cancelling bool      `json:"cancelling,omitempty"`
	Progress   int       `json:"progress"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt"`

	Device string `json:"device,omitempty"`
	Worker string `json:"worker,omitempty"`

	Result   *Result  `json:"result,omitempty"`
	DebugLog []string `json:"debugLog,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the store lock.
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		r.Segments = append([]Segment(nil), j.Result.Segments...)
		out.Result = &r
	}
	out.DebugLog = append([]string(nil), j.DebugLog...)
	return out
}
