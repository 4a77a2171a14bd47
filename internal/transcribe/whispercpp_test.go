package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transcription-service/internal/domain"
)

// fakeRunner simulates command execution outcomes.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

// fakeStreamer simulates a streaming process with scripted stdout lines.
type fakeStreamer struct {
	lines  []string
	result commandResult
	err    error
	name   string
	args   []string
}

// Stream records the invocation and replays scripted lines.
func (f *fakeStreamer) Stream(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	f.name = name
	f.args = append([]string{}, args...)
	for _, line := range f.lines {
		onLine(line)
	}
	return f.result, f.err
}

// newTestLoader builds a loader with injected process and filesystem seams.
func newTestLoader(cfg CPPConfig, runner commandRunner, streamer lineStreamer) *CPPLoader {
	cfg.applyDefaults()
	return &CPPLoader{
		cfg:      cfg,
		runner:   runner,
		streamer: streamer,
		lookPath: func(string) (string, error) { return "/usr/bin/whisper.cpp", nil },
		stat:     os.Stat,
		readDir:  os.ReadDir,
	}
}

// collectUpdates drains a transcription stream into a slice.
func collectUpdates(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var updates []Update
	for u := range ch {
		updates = append(updates, u)
	}
	if len(updates) == 0 {
		t.Fatal("expected at least one update")
	}
	return updates
}

func whisperCfg(workers int) domain.ModelConfig {
	return domain.ModelConfig{
		ID:        "base",
		Impl:      domain.ModelImplWhisperCPP,
		ModelName: "base",
		Workers:   workers,
	}
}

// TestCPPLoaderResolvesPreset checks ggml preset lookup in the model dir.
func TestCPPLoaderResolvesPreset(t *testing.T) {
	root := t.TempDir()
	modelPath := filepath.Join(root, "ggml-base.bin")
	mustWriteFile(t, modelPath, "model")

	loader := newTestLoader(CPPConfig{ModelDir: root}, &fakeRunner{}, &fakeStreamer{})
	model, err := loader.Load(context.Background(), whisperCfg(1), "cpu")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer model.Close()

	got := model.(*cppModel).modelPath
	if got != modelPath {
		t.Fatalf("model path = %q, want %q", got, modelPath)
	}
}

// TestCPPLoaderResolvesDirectory checks lexical-first discovery in a model dir.
func TestCPPLoaderResolvesDirectory(t *testing.T) {
	root := t.TempDir()
	modelDir := filepath.Join(root, "models")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	// lexical sort should pick this first.
	mustWriteFile(t, filepath.Join(modelDir, "a-small.gguf"), "model")
	mustWriteFile(t, filepath.Join(modelDir, "z-large.bin"), "model")

	cfg := whisperCfg(1)
	cfg.ModelName = modelDir

	loader := newTestLoader(CPPConfig{}, &fakeRunner{}, &fakeStreamer{})
	model, err := loader.Load(context.Background(), cfg, "cpu")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer model.Close()

	want := filepath.Join(modelDir, "a-small.gguf")
	if got := model.(*cppModel).modelPath; got != want {
		t.Fatalf("model path = %q, want %q", got, want)
	}
}

// TestCPPLoaderMissingModel checks that unresolved models are load failures.
func TestCPPLoaderMissingModel(t *testing.T) {
	loader := newTestLoader(CPPConfig{ModelDir: t.TempDir()}, &fakeRunner{}, &fakeStreamer{})

	cfg := whisperCfg(1)
	cfg.ModelName = "no-such-model"
	if _, err := loader.Load(context.Background(), cfg, "cpu"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("error = %v, want ErrModelLoad", err)
	}
}

// TestCPPLoaderRejectsForeignImpl checks only whisper_cpp configs are accepted.
func TestCPPLoaderRejectsForeignImpl(t *testing.T) {
	loader := newTestLoader(CPPConfig{}, &fakeRunner{}, &fakeStreamer{})

	cfg := whisperCfg(1)
	cfg.Impl = domain.ModelImplFaster
	if _, err := loader.Load(context.Background(), cfg, "cpu"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("error = %v, want ErrModelLoad", err)
	}
}

// TestCPPModelTranscribeSuccess checks the full streaming happy path.
func TestCPPModelTranscribeSuccess(t *testing.T) {
	root := t.TempDir()
	audioPath := filepath.Join(root, "meeting.mp3")
	modelPath := filepath.Join(root, "ggml-base.bin")
	mustWriteFile(t, audioPath, "media")
	mustWriteFile(t, modelPath, "model")

	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			if name != "ffmpeg" {
				t.Fatalf("runner command = %q, want ffmpeg", name)
			}
			return commandResult{ExitCode: 0}, nil
		},
	}
	streamer := &fakeStreamer{
		lines: []string{
			"whisper_init_from_file: loading model",
			"[00:00:00.000 --> 00:00:05.000]   hello there",
			"[00:00:05.000 --> 00:00:10.000]   general remarks",
		},
	}

	loader := newTestLoader(CPPConfig{ModelDir: root}, runner, streamer)
	model, err := loader.Load(context.Background(), whisperCfg(1), "cpu")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ch, err := model.Transcribe(context.Background(), audioPath, "auto", 20)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	updates := collectUpdates(t, ch)

	last := updates[len(updates)-1]
	if last.Err != nil {
		t.Fatalf("final update error = %v", last.Err)
	}
	if last.Final == nil {
		t.Fatal("expected final result")
	}
	if last.Final.Text != "hello there general remarks" {
		t.Fatalf("text = %q", last.Final.Text)
	}
	if len(last.Final.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(last.Final.Segments))
	}
	if last.Final.Segments[1].Start != 5 {
		t.Fatalf("segment start = %v, want 5", last.Final.Segments[1].Start)
	}

	progress := updates[:len(updates)-1]
	if len(progress) != 2 {
		t.Fatalf("progress updates = %d, want 2", len(progress))
	}
	if progress[0].Progress != 25 || progress[1].Progress != 50 {
		t.Fatalf("progress = %d, %d, want 25, 50", progress[0].Progress, progress[1].Progress)
	}

	if hasArg(streamer.args, "-l") {
		t.Fatalf("auto language should not pass -l, args=%v", streamer.args)
	}
	if got := argValue(streamer.args, "-m"); got != modelPath {
		t.Fatalf("model arg = %q, want %q", got, modelPath)
	}
}

// TestCPPModelTranscribeUnknownDuration checks the placeholder progress value.
func TestCPPModelTranscribeUnknownDuration(t *testing.T) {
	root := t.TempDir()
	audioPath := filepath.Join(root, "clip.wav")
	mustWriteFile(t, audioPath, "media")
	mustWriteFile(t, filepath.Join(root, "ggml-base.bin"), "model")

	streamer := &fakeStreamer{
		lines: []string{"[00:00:00.000 --> 00:00:30.000]   something"},
	}
	loader := newTestLoader(CPPConfig{ModelDir: root}, &fakeRunner{}, streamer)
	model, _ := loader.Load(context.Background(), whisperCfg(1), "cpu")

	ch, err := model.Transcribe(context.Background(), audioPath, "auto", 0)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	updates := collectUpdates(t, ch)

	if updates[0].Progress != 50 {
		t.Fatalf("progress = %d, want placeholder 50", updates[0].Progress)
	}
}

// TestCPPModelTranscribeFFmpegFailure checks the preprocessing error path.
func TestCPPModelTranscribeFFmpegFailure(t *testing.T) {
	root := t.TempDir()
	audioPath := filepath.Join(root, "clip.mp4")
	mustWriteFile(t, audioPath, "media")
	mustWriteFile(t, filepath.Join(root, "ggml-base.bin"), "model")

	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			return commandResult{Stderr: "ffmpeg failed", ExitCode: 1}, errors.New("exit status 1")
		},
	}

	loader := newTestLoader(CPPConfig{ModelDir: root}, runner, &fakeStreamer{})
	model, _ := loader.Load(context.Background(), whisperCfg(1), "cpu")

	ch, err := model.Transcribe(context.Background(), audioPath, "auto", 10)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	updates := collectUpdates(t, ch)

	last := updates[len(updates)-1]
	if last.Err == nil {
		t.Fatal("expected terminal error")
	}

	var pErr *PipelineError
	if !errors.As(last.Err, &pErr) {
		t.Fatalf("error type = %T, want *PipelineError", last.Err)
	}
	if pErr.Stage != "preprocessing" {
		t.Fatalf("stage = %s, want preprocessing", pErr.Stage)
	}
	if pErr.CommandLog.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", pErr.CommandLog.ExitCode)
	}
}

// TestCPPModelTranscribeWhisperFailure checks the transcribing error path.
func TestCPPModelTranscribeWhisperFailure(t *testing.T) {
	root := t.TempDir()
	audioPath := filepath.Join(root, "clip.mp4")
	mustWriteFile(t, audioPath, "media")
	mustWriteFile(t, filepath.Join(root, "ggml-base.bin"), "model")

	streamer := &fakeStreamer{
		result: commandResult{Stderr: "whisper failed", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}
	loader := newTestLoader(CPPConfig{ModelDir: root}, &fakeRunner{}, streamer)
	model, _ := loader.Load(context.Background(), whisperCfg(1), "cpu")

	ch, err := model.Transcribe(context.Background(), audioPath, "auto", 10)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	updates := collectUpdates(t, ch)

	last := updates[len(updates)-1]
	var pErr *PipelineError
	if !errors.As(last.Err, &pErr) {
		t.Fatalf("error type = %T, want *PipelineError", last.Err)
	}
	if pErr.Stage != "transcribing" {
		t.Fatalf("stage = %s, want transcribing", pErr.Stage)
	}
	if !strings.Contains(pErr.CommandLog.Stderr, "whisper failed") {
		t.Fatalf("stderr = %q", pErr.CommandLog.Stderr)
	}
}

// TestCPPModelTranscribeMissingAudio checks validation before any process run.
func TestCPPModelTranscribeMissingAudio(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "ggml-base.bin"), "model")

	loader := newTestLoader(CPPConfig{ModelDir: root}, &fakeRunner{}, &fakeStreamer{})
	model, _ := loader.Load(context.Background(), whisperCfg(1), "cpu")

	if _, err := model.Transcribe(context.Background(), filepath.Join(root, "missing.wav"), "auto", 10); err == nil {
		t.Fatal("expected error for missing audio file")
	}
}

// TestBuildFFmpegArgs verifies deterministic ffmpeg command arguments.
func TestBuildFFmpegArgs(t *testing.T) {
	args := buildFFmpegArgs("/in.mp4", "/tmp/out.wav")
	want := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", "/in.mp4",
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"/tmp/out.wav",
	}

	if len(args) != len(want) {
		t.Fatalf("args len = %d, want %d", len(args), len(want))
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

// TestBuildWhisperArgsAutoLanguage verifies no language flag for auto mode.
func TestBuildWhisperArgsAutoLanguage(t *testing.T) {
	args := buildWhisperArgs("/m.bin", "/audio.wav", "auto")
	if hasArg(args, "-l") {
		t.Fatalf("did not expect -l in args: %v", args)
	}
}

// TestBuildWhisperArgsFixedLanguage verifies language flag for fixed mode.
func TestBuildWhisperArgsFixedLanguage(t *testing.T) {
	args := buildWhisperArgs("/m.bin", "/audio.wav", "ru")
	if !hasArg(args, "-l") {
		t.Fatalf("expected -l in args: %v", args)
	}
	if got := argValue(args, "-l"); got != "ru" {
		t.Fatalf("language arg = %q, want ru", got)
	}
}

// TestParseTimestamp verifies whisper stdout timestamp decoding.
func TestParseTimestamp(t *testing.T) {
	if got := parseTimestamp("00:01:30.500"); got != 90.5 {
		t.Fatalf("seconds = %v, want 90.5", got)
	}
	if got := parseTimestamp("garbage"); got != 0 {
		t.Fatalf("seconds = %v, want 0", got)
	}
}

// TestProgressForOffset verifies clamping and the unknown-duration placeholder.
func TestProgressForOffset(t *testing.T) {
	if got := ProgressForOffset(30, 60); got != 50 {
		t.Fatalf("progress = %d, want 50", got)
	}
	if got := ProgressForOffset(120, 60); got != 99 {
		t.Fatalf("progress = %d, want clamp to 99", got)
	}
	if got := ProgressForOffset(30, 0); got != 50 {
		t.Fatalf("progress = %d, want placeholder 50", got)
	}
}

// TestDiagnosticVerbose verifies stderr is attached only in verbose mode.
func TestDiagnosticVerbose(t *testing.T) {
	err := &PipelineError{
		Stage:   "preprocessing",
		Message: "ffmpeg audio conversion failed",
		CommandLog: CommandLog{
			Command:  "ffmpeg",
			ExitCode: 1,
			Stderr:   "invalid data found when processing input\n",
		},
	}

	if got := Diagnostic(err, false); strings.Contains(got, "stderr") {
		t.Fatalf("plain diagnostic leaked stderr: %q", got)
	}
	if got := Diagnostic(err, true); !strings.Contains(got, "invalid data found") {
		t.Fatalf("verbose diagnostic missing stderr: %q", got)
	}
	if got := Diagnostic(errors.New("plain"), true); got != "plain" {
		t.Fatalf("diagnostic = %q, want plain passthrough", got)
	}
}

// mustWriteFile creates parent directory and writes file content.
func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

// argValue returns value for key-style CLI args.
func argValue(args []string, key string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

// hasArg reports whether args include the target flag.
func hasArg(args []string, key string) bool {
	for _, arg := range args {
		if arg == key {
			return true
		}
	}
	return false
}
