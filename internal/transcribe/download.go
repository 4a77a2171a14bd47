package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ggmlURLTemplate points at the upstream converted whisper.cpp models.
const ggmlURLTemplate = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-%s.bin"

const modelDownloadTimeout = 45 * time.Minute

// modelURL returns the download location for a named ggml preset.
func modelURL(name string) string {
	return fmt.Sprintf(ggmlURLTemplate, name)
}

// downloadModel fetches a model into the target path. The file is
// written to a sibling temp path first and renamed into place so a
// partial download never looks like a usable model.
func downloadModel(ctx context.Context, client *http.Client, url, destinationPath string) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return fmt.Errorf("prepare model directory: %w", err)
	}

	tmpPath := destinationPath + ".download"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, modelDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request model download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model download returned %s", resp.Status)
	}

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write model file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close model file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, destinationPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("move model into place: %w", err)
	}
	return nil
}
