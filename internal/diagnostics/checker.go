// Package diagnostics runs startup environment checks so a broken
// deployment fails loudly before the first job is accepted.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-service/internal/config"
	"transcription-service/internal/domain"
	"transcription-service/internal/transcribe"
)

// Checker validates external tools and required infrastructure.
type Checker struct {
	runnerCfg transcribe.CPPConfig

	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	readDir    func(string) ([]os.DirEntry, error)
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	ping       func(context.Context) error
}

// NewChecker builds a checker using real OS dependencies. client may
// be nil when the local backend is configured.
func NewChecker(runnerCfg transcribe.CPPConfig, client redis.UniversalClient) *Checker {
	ping := func(context.Context) error { return nil }
	if client != nil {
		ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	return &Checker{
		runnerCfg:  runnerCfg,
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		readDir:    os.ReadDir,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		ping:       ping,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(ctx context.Context, settings config.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool("ffmpeg", c.runnerCfg.FFmpegPath),
		c.checkTool("ffprobe", ""),
		c.checkTool("whisper.cpp", c.runnerCfg.WhisperPath),
		c.checkModelDir(),
		c.checkTempDir(),
	}
	if settings.Backend == config.BackendDistributed {
		items = append(items, c.checkRedis(ctx, settings.RedisURL))
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool verifies a required CLI executable is on PATH.
func (c *Checker) checkTool(name, configured string) domain.DiagnosticItem {
	lookup := configured
	if lookup == "" {
		lookup = name
	}

	path, err := c.lookPath(lookup)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      "tool_" + name,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("Tool not found in PATH: %s", lookup),
			Hint:    "Install it and ensure the binary is available on PATH before starting the service.",
		}
	}

	return domain.DiagnosticItem{
		ID:      "tool_" + name,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

// checkModelDir validates the configured model directory. An empty or
// model-free directory is acceptable when auto-download is on.
func (c *Checker) checkModelDir() domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "model_dir",
		Name: "Model directory",
	}
	dir := strings.TrimSpace(c.runnerCfg.ModelDir)
	if dir == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Model directory is empty."
		item.Hint = "Set a directory containing whisper ggml model files."
		return item
	}

	info, err := c.stat(dir)
	if err != nil || !info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Model directory does not exist: %s", dir)
		item.Hint = "Create the directory and place .bin or .gguf model files in it."
		return item
	}

	entries, err := c.readDir(dir)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot read model directory: %s", dir)
		item.Hint = "Check permissions for the model directory."
		return item
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			item.Status = domain.DiagnosticStatusPass
			item.Message = fmt.Sprintf("Model directory is valid: %s", dir)
			return item
		}
	}

	if c.runnerCfg.AutoDownload {
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("No models in %s yet; they will be downloaded on first use.", dir)
		return item
	}

	item.Status = domain.DiagnosticStatusFail
	item.Message = fmt.Sprintf("No model files found in directory: %s", dir)
	item.Hint = "Place a .bin or .gguf model file in this directory or enable auto-download."
	return item
}

// checkTempDir verifies uploaded audio can be staged on disk.
func (c *Checker) checkTempDir() domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "temp_dir",
		Name: "Temporary directory",
	}

	tmpFile, err := c.createTemp("", ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Temporary directory is not writable."
		item.Hint = "Point TMPDIR at a writable location; uploads are staged there."
		return item
	}

	tmpPath := tmpFile.Name()
	tmpFile.Close()
	c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", filepath.Dir(tmpPath))
	return item
}

// checkRedis verifies the distributed backend can reach its broker.
func (c *Checker) checkRedis(ctx context.Context, url string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "redis",
		Name: "Redis",
	}

	if err := c.ping(ctx); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot reach redis at %s: %v", url, err)
		item.Hint = "Start redis or fix REDIS_URL; the distributed backend cannot run without it."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Connected to %s", url)
	return item
}

// NewCheckerForTests creates a checker with injectable dependencies.
func NewCheckerForTests(
	runnerCfg transcribe.CPPConfig,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	readDir func(string) ([]os.DirEntry, error),
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	ping func(context.Context) error,
) *Checker {
	return &Checker{
		runnerCfg:  runnerCfg,
		lookPath:   lookPath,
		stat:       stat,
		readDir:    readDir,
		createTemp: createTemp,
		remove:     remove,
		ping:       ping,
	}
}
