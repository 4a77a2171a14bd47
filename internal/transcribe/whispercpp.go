package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"transcription-service/internal/domain"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stderr   string   `json:"stderr"`
}

// PipelineError is a stage-aware error with optional command context.
type PipelineError struct {
	Stage      string
	Message    string
	CommandLog CommandLog
	Err        error
}

// Error formats pipeline failures for diagnostics.
func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Stage,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Diagnostic renders err for a job's debug log. With verbose enabled,
// pipeline failures also carry the failing command's stderr.
func Diagnostic(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if verbose && errors.As(err, &pe) && pe.CommandLog.Stderr != "" {
		return err.Error() + "\nstderr: " + strings.TrimSpace(pe.CommandLog.Stderr)
	}
	return err.Error()
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// lineStreamer runs a process and delivers stdout line by line while
// the process is still executing.
type lineStreamer interface {
	Stream(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// Stream executes one command, forwarding stdout lines as they appear.
func (r *execRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return commandResult{Stderr: stderr.String(), ExitCode: -1}, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}

	err = cmd.Wait()
	result := commandResult{Stderr: stderr.String(), ExitCode: 0}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CPPConfig locates the external tools the whisper.cpp runner shells to.
type CPPConfig struct {
	FFmpegPath  string
	WhisperPath string
	// ModelDir is searched for ggml-<name>.bin presets when a model
	// name is not already a path.
	ModelDir string
	// AutoDownload fetches a missing preset from the upstream model
	// repository on first use instead of failing the load.
	AutoDownload bool
}

// applyDefaults fills tool paths resolved from PATH.
func (c *CPPConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.WhisperPath == "" {
		c.WhisperPath = "whisper.cpp"
	}
}

// CPPLoader loads whisper.cpp models by resolving their ggml files on disk.
type CPPLoader struct {
	cfg        CPPConfig
	runner     commandRunner
	streamer   lineStreamer
	httpClient *http.Client
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	readDir    func(string) ([]os.DirEntry, error)
}

// NewCPPLoader constructs the production loader with OS dependencies.
func NewCPPLoader(cfg CPPConfig) *CPPLoader {
	cfg.applyDefaults()
	r := &execRunner{}
	return &CPPLoader{
		cfg:        cfg,
		runner:     r,
		streamer:   r,
		httpClient: http.DefaultClient,
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		readDir:    os.ReadDir,
	}
}

// Load verifies the whisper binary and resolves the model file once.
// The returned Model reuses both for every task.
func (l *CPPLoader) Load(ctx context.Context, cfg domain.ModelConfig, device string) (Model, error) {
	if cfg.Impl != domain.ModelImplWhisperCPP {
		return nil, fmt.Errorf("%w: impl %q is not supported by this runner", ErrModelLoad, cfg.Impl)
	}
	if _, err := l.lookPath(l.cfg.WhisperPath); err != nil {
		return nil, fmt.Errorf("%w: whisper binary %q not found: %v", ErrModelLoad, l.cfg.WhisperPath, err)
	}

	modelPath, err := l.resolveModelPath(ctx, cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	return &cppModel{
		loader:    l,
		modelPath: modelPath,
		device:    device,
	}, nil
}

// resolveModelPath returns a model file from a path, a directory, or a
// ggml preset name searched in the configured model dir. A missing
// preset is fetched from upstream when auto-download is enabled.
func (l *CPPLoader) resolveModelPath(ctx context.Context, rawName string) (string, error) {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return "", fmt.Errorf("model name is required")
	}

	if info, err := l.stat(name); err == nil {
		if !info.IsDir() {
			return name, nil
		}
		return l.pickModelInDir(name)
	}

	if l.cfg.ModelDir != "" {
		candidate := filepath.Join(l.cfg.ModelDir, "ggml-"+name+".bin")
		if _, err := l.stat(candidate); err == nil {
			return candidate, nil
		}
		if l.cfg.AutoDownload {
			client := l.httpClient
			if client == nil {
				client = http.DefaultClient
			}
			if err := downloadModel(ctx, client, modelURL(name), candidate); err != nil {
				return "", fmt.Errorf("download model %q: %w", name, err)
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot resolve model %q", name)
}

// pickModelInDir selects the lexically first model file in a directory.
func (l *CPPLoader) pickModelInDir(dir string) (string, error) {
	entries, err := l.readDir(dir)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", dir)
	}

	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// cppModel is a resolved whisper.cpp model bound to a device placement.
type cppModel struct {
	loader    *CPPLoader
	modelPath string
	device    string
}

// segmentLine matches whisper.cpp stdout, e.g.
// [00:00:00.000 --> 00:00:04.600]   And so my fellow Americans...
var segmentLine = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2}\.\d{3}) --> (\d{2}:\d{2}:\d{2}\.\d{3})\]\s*(.*)$`)

// Transcribe preprocesses the audio with ffmpeg and streams whisper.cpp
// segments as progress updates followed by the final result.
func (m *cppModel) Transcribe(ctx context.Context, audioPath, language string, durationSeconds float64) (<-chan Update, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, &PipelineError{Stage: "preprocessing", Message: "audio path is required"}
	}
	if _, err := m.loader.stat(audioPath); err != nil {
		return nil, &PipelineError{
			Stage:   "preprocessing",
			Message: fmt.Sprintf("cannot access audio file: %s", audioPath),
			Err:     err,
		}
	}

	updates := make(chan Update)
	go func() {
		defer close(updates)
		m.run(ctx, audioPath, language, durationSeconds, updates)
	}()
	return updates, nil
}

// run performs the two-stage pipeline and emits updates.
func (m *cppModel) run(ctx context.Context, audioPath, language string, durationSeconds float64, updates chan<- Update) {
	tempDir, err := os.MkdirTemp("", "transcribe-*")
	if err != nil {
		updates <- Update{Err: &PipelineError{
			Stage:   "preprocessing",
			Message: "failed to create temporary workspace",
			Err:     err,
		}}
		return
	}
	defer os.RemoveAll(tempDir)

	wavPath := filepath.Join(tempDir, "preprocessed-16k-mono.wav")
	args := buildFFmpegArgs(audioPath, wavPath)
	res, runErr := m.loader.runner.Run(ctx, m.loader.cfg.FFmpegPath, args...)
	if runErr != nil {
		updates <- Update{Err: &PipelineError{
			Stage:   "preprocessing",
			Message: "ffmpeg audio conversion failed",
			CommandLog: CommandLog{
				Command:  m.loader.cfg.FFmpegPath,
				Args:     args,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			},
			Err: runErr,
		}}
		return
	}

	var segments []domain.Segment
	var parts []string
	onLine := func(line string) {
		match := segmentLine.FindStringSubmatch(line)
		if match == nil {
			return
		}
		start := parseTimestamp(match[1])
		end := parseTimestamp(match[2])
		text := strings.TrimSpace(match[3])
		if text == "" {
			return
		}

		segments = append(segments, domain.Segment{Start: start, Text: text})
		parts = append(parts, text)
		updates <- Update{Progress: ProgressForOffset(end, durationSeconds)}
	}

	whisperArgs := buildWhisperArgs(m.modelPath, wavPath, language)
	res, runErr = m.loader.streamer.Stream(ctx, onLine, m.loader.cfg.WhisperPath, whisperArgs...)
	if runErr != nil {
		updates <- Update{Err: &PipelineError{
			Stage:   "transcribing",
			Message: "whisper.cpp transcription failed",
			CommandLog: CommandLog{
				Command:  m.loader.cfg.WhisperPath,
				Args:     whisperArgs,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			},
			Err: runErr,
		}}
		return
	}

	updates <- Update{Final: &domain.Result{
		Text:     strings.Join(parts, " "),
		Segments: segments,
	}}
}

// Close releases the model handle. whisper.cpp holds no process state
// between invocations, so there is nothing to tear down.
func (m *cppModel) Close() error { return nil }

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for streamed stdout segments.
func buildWhisperArgs(modelPath, audioPath, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
	}

	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

// parseTimestamp converts "HH:MM:SS.mmm" to seconds.
func parseTimestamp(ts string) float64 {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.ParseFloat(parts[0], 64)
	m, _ := strconv.ParseFloat(parts[1], 64)
	s, _ := strconv.ParseFloat(parts[2], 64)
	return h*3600 + m*60 + s
}
