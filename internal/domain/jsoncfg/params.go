package jsoncfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerationParams is the subset of job parameters the adapters understand.
// Unknown keys are preserved in the stored params and ignored here.
type GenerationParams struct {
	Prompt          string   `json:"prompt"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	Seed            int      `json:"seed,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
	References      []string `json:"references,omitempty"`
}

var aspectRatioSizes = map[string]string{
	"1:1":  "1024*1024",
	"4:3":  "1152*864",
	"3:4":  "864*1152",
	"16:9": "1280*720",
	"9:16": "720*1280",
}

const (
	// DefaultAspectRatio is used when the request omits the aspect ratio.
	DefaultAspectRatio = "1:1"
	// MaxPromptLength bounds the prompt forwarded to providers.
	MaxPromptLength = 4000
	// MaxDurationSeconds caps video length.
	MaxDurationSeconds = 10
)

// Normalize applies server defaults.
func (p *GenerationParams) Normalize() {
	if p == nil {
		return
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	p.NegativePrompt = strings.TrimSpace(p.NegativePrompt)
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
}

// Validate checks the fields that are present; an empty prompt is left to the
// adapter since some providers accept reference-only requests.
func (p GenerationParams) Validate() error {
	if len(p.Prompt) > MaxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
	}
	if _, ok := aspectRatioSizes[p.AspectRatio]; !ok {
		return fmt.Errorf("aspect_ratio must be one of 1:1, 4:3, 3:4, 16:9, 9:16")
	}
	if p.Seed < 0 {
		return fmt.Errorf("seed must not be negative")
	}
	if p.DurationSeconds < 0 || p.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("duration_seconds must be between 0 and %d", MaxDurationSeconds)
	}
	return nil
}

// Size returns the pixel size matching the aspect ratio, "W*H".
func (p GenerationParams) Size() string {
	if size, ok := aspectRatioSizes[p.AspectRatio]; ok {
		return size
	}
	return aspectRatioSizes[DefaultAspectRatio]
}

// ParseParams requires raw to be a JSON object, decodes the known fields,
// normalizes and validates them, and returns the compacted object for storage.
// Empty input is treated as {}.
func ParseParams(raw []byte) (GenerationParams, json.RawMessage, error) {
	var p GenerationParams
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' {
		return p, nil, fmt.Errorf("params must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return p, nil, fmt.Errorf("params: %w", err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return p, nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return p, nil, fmt.Errorf("params: %w", err)
	}
	return p, buf.Bytes(), nil
}

// DecodeParams is the lenient read used by adapters on already stored params.
func DecodeParams(raw []byte) GenerationParams {
	var p GenerationParams
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	p.Normalize()
	return p
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
