// Package cache deduplicates transcription work by content hash. A hit
// means the exact same audio bytes were already transcribed with the
// same model, so the stored result can be served without running
// inference again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"transcription-service/internal/domain"
)

// Cache stores finished transcription results keyed by content hash.
// Lookups are best effort: a miss or a backend error both fall back to
// a fresh transcription.
type Cache interface {
	Get(ctx context.Context, hash string) (*domain.Result, bool, error)
	Set(ctx context.Context, hash string, result domain.Result) error
}

// HashBytes derives the cache key for one submission from the raw
// input bytes.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
