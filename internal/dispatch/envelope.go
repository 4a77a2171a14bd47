package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"transcription-service/internal/domain"
)

// streamField is the single entry key carried by each stream message.
const streamField = "data"

// TaskEnvelope is the wire form of one distributed task. The audio
// bytes travel base64-encoded inside the JSON document so the whole
// task fits in a single stream entry field.
type TaskEnvelope struct {
	JobID          string             `json:"job_id"`
	InternalPath   string             `json:"internal_path"`
	Language       string             `json:"language"`
	ModelConfig    domain.ModelConfig `json:"model_config"`
	FileContentB64 string             `json:"file_content_b64"`
}

// Content decodes the embedded audio bytes.
func (e TaskEnvelope) Content() ([]byte, error) {
	content, err := base64.StdEncoding.DecodeString(e.FileContentB64)
	if err != nil {
		return nil, fmt.Errorf("decode task content: %w", err)
	}
	return content, nil
}

// EncodeEnvelope serializes a task for XADD.
func EncodeEnvelope(e TaskEnvelope) (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	return map[string]interface{}{streamField: string(data)}, nil
}

// DecodeEnvelope parses one stream entry's values back into a task.
func DecodeEnvelope(values map[string]interface{}) (TaskEnvelope, error) {
	raw, ok := values[streamField].(string)
	if !ok {
		return TaskEnvelope{}, fmt.Errorf("stream entry missing %q field", streamField)
	}

	var e TaskEnvelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return TaskEnvelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	if e.JobID == "" {
		return TaskEnvelope{}, fmt.Errorf("task envelope missing job id")
	}
	return e, nil
}
