package transcribe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DurationProber reads the playable length of an audio file in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FFProbe reads media duration by shelling out to ffprobe.
type FFProbe struct {
	path   string
	runner commandRunner
}

// NewFFProbe creates a prober using the given ffprobe binary, or
// "ffprobe" from PATH when empty.
func NewFFProbe(path string) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFProbe{path: path, runner: &execRunner{}}
}

// Duration returns the container duration in seconds.
func (p *FFProbe) Duration(ctx context.Context, path string) (float64, error) {
	res, err := p.runner.Run(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe output %q: %w", res.Stdout, err)
	}
	return seconds, nil
}
