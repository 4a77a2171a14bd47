package jobs

import (
	"time"

	"transcription-service/internal/domain"
)

// minProgressForETA ignores early progress so a first burst of segments
// does not produce absurd extrapolations.
const minProgressForETA = 5

// EstimateCompletion linearly extrapolates a completion timestamp from
// observed progress. It is a heuristic, not a guarantee. The second
// return value is false when no estimate can be made: the job is not
// processing, progress is still below the threshold, or the start time
// is unknown.
func EstimateCompletion(job domain.Job, now time.Time) (time.Time, bool) {
	if job.Status != domain.JobStatusProcessing {
		return time.Time{}, false
	}
	if job.Progress <= minProgressForETA || job.StartedAt.IsZero() {
		return time.Time{}, false
	}

	elapsed := now.Sub(job.StartedAt)
	if elapsed <= 0 {
		return time.Time{}, false
	}

	total := time.Duration(float64(elapsed) / (float64(job.Progress) / 100.0))
	remaining := total - elapsed
	if remaining < 0 {
		return time.Time{}, false
	}
	return now.Add(remaining), true
}
