package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"transcription-service/internal/domain"
)

// DefaultCatalog returns the built-in transcription model presets.
func DefaultCatalog() []domain.ModelConfig {
	return []domain.ModelConfig{
		{
			ID:          "base",
			Impl:        domain.ModelImplWhisperCPP,
			ModelName:   "base",
			ReqGPU:      false,
			Workers:     1,
			Description: "Balanced speed/quality, multilingual. Recommended for local testing.",
		},
		{
			ID:          "small",
			Impl:        domain.ModelImplWhisperCPP,
			ModelName:   "small",
			ReqGPU:      false,
			Workers:     1,
			Description: "Higher quality multilingual model, still comfortable on CPU.",
		},
		{
			ID:          "medium",
			Impl:        domain.ModelImplWhisperCPP,
			ModelName:   "medium",
			ReqGPU:      true,
			Workers:     1,
			Description: "Excellent balance between speed and quality on GPU.",
		},
		{
			ID:          "large-v3",
			Impl:        domain.ModelImplWhisperCPP,
			ModelName:   "large-v3",
			ReqGPU:      true,
			Workers:     1,
			Description: "Maximum quality and precision. Requires a powerful GPU (VRAM > 8GB).",
		},
		{
			ID:          "large-v3-turbo",
			Impl:        domain.ModelImplWhisperCPP,
			ModelName:   "large-v3-turbo",
			ReqGPU:      false,
			Workers:     1,
			Description: "Faster large-v3 variant with lower memory usage.",
		},
	}
}

// Catalog is the set of models the service can dispatch to, indexed by ID.
type Catalog struct {
	models []domain.ModelConfig
	byID   map[string]domain.ModelConfig
}

// NewCatalog builds a catalog from explicit model configs.
func NewCatalog(models []domain.ModelConfig) (*Catalog, error) {
	byID := make(map[string]domain.ModelConfig, len(models))
	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("model config missing id")
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id: %s", m.ID)
		}
		if m.Workers < 1 {
			m.Workers = 1
		}
		byID[m.ID] = m
	}
	return &Catalog{models: models, byID: byID}, nil
}

// LoadCatalog reads model presets from a JSON file, falling back to the
// built-in catalog when path is empty or the file does not exist.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(DefaultCatalog())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCatalog(DefaultCatalog())
		}
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var models []domain.ModelConfig
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(models) == 0 {
		return nil, errors.New("model catalog is empty")
	}

	return NewCatalog(models)
}

// Model looks up a model config by ID.
func (c *Catalog) Model(id string) (domain.ModelConfig, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Models returns all configured models in declaration order.
func (c *Catalog) Models() []domain.ModelConfig {
	return append([]domain.ModelConfig(nil), c.models...)
}
