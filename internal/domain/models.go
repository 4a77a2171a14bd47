package domain

import "fmt"

// ModelImpl selects the inference backend used for a model.
type ModelImpl string

const (
	ModelImplFaster     ModelImpl = "faster"
	ModelImplHFPipeline ModelImpl = "hf_pipeline"
	ModelImplWhisperCPP ModelImpl = "whisper_cpp"
)

// ModelConfig describes one selectable transcription model preset.
type ModelConfig struct {
	ID          string    `json:"id"`
	Impl        ModelImpl `json:"impl"`
	ModelName   string    `json:"modelName"`
	ComputeType string    `json:"computeType,omitempty"`
	ReqGPU      bool      `json:"reqGpu"`
	Workers     int       `json:"workers"`
	Description string    `json:"description,omitempty"`
}

// StreamName returns the durable stream a model's jobs are published to.
func (m ModelConfig) StreamName() string {
	name := m.ModelName
	if name == "" {
		name = "default"
	}
	return "transcription_jobs:" + name
}

// DeviceChoice is the caller-facing device selection.
type DeviceChoice string

const (
	DeviceAuto DeviceChoice = "automatic"
	DeviceCPU  DeviceChoice = "cpu"
	DeviceGPU  DeviceChoice = "gpu"
)

// ResolveDevice maps a device choice to a concrete placement.
// The probe reports whether a GPU is present.
func ResolveDevice(choice DeviceChoice, hasGPU func() bool) (string, error) {
	switch choice {
	case DeviceGPU:
		if !hasGPU() {
			return "", fmt.Errorf("gpu requested but not available")
		}
		return "cuda", nil
	case DeviceCPU:
		return "cpu", nil
	case DeviceAuto, "":
		if hasGPU() {
			return "cuda", nil
		}
		return "cpu", nil
	default:
		return "", fmt.Errorf("unknown device choice: %s", choice)
	}
}

// FilterModelsForDevice drops GPU-only models when running on cpu.
func FilterModelsForDevice(models []ModelConfig, device string) []ModelConfig {
	if device != "cpu" {
		return models
	}

	out := make([]ModelConfig, 0, len(models))
	for _, m := range models {
		if !m.ReqGPU {
			out = append(out, m)
		}
	}
	return out
}
