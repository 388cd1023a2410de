package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Duration bounds for a single study, minutes.
const (
	minDurationMinutes = 5
	maxDurationMinutes = 480
)

// llmAnalysis is the JSON object the prompt instructs the model to emit.
type llmAnalysis struct {
	TotalDurationMinutes int      `json:"total_duration_min"`
	PrepMinutes          int      `json:"prep_time_min"`
	ScanMinutes          int      `json:"scan_time_min"`
	ContrastRequired     bool     `json:"contrast_required"`
	ContrastType         string   `json:"contrast_type"`
	EquipmentNeeds       []string `json:"equipment_needs"`
	PatientInstructions  string   `json:"patient_instructions"`
	SchedulingNotes      string   `json:"scheduling_notes"`
}

// parseLLMAnalysis decodes the model output, tolerating markdown fences
// and prose around the JSON object, then validates ranges.
func parseLLMAnalysis(text string) (*llmAnalysis, error) {
	cleaned := extractJSONObject(stripCodeFence(text))
	if cleaned == "" {
		return nil, fmt.Errorf("analyzer: empty model output")
	}

	var out llmAnalysis
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("analyzer: parse model output: %w", err)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *llmAnalysis) validate() error {
	if a.TotalDurationMinutes < minDurationMinutes || a.TotalDurationMinutes > maxDurationMinutes {
		return fmt.Errorf("analyzer: total duration %d outside [%d,%d]",
			a.TotalDurationMinutes, minDurationMinutes, maxDurationMinutes)
	}
	if a.PrepMinutes < 0 || a.PrepMinutes > maxDurationMinutes {
		return fmt.Errorf("analyzer: prep minutes %d out of range", a.PrepMinutes)
	}
	if a.ScanMinutes < 0 || a.ScanMinutes > maxDurationMinutes {
		return fmt.Errorf("analyzer: scan minutes %d out of range", a.ScanMinutes)
	}

	a.ContrastType = strings.ToLower(strings.TrimSpace(a.ContrastType))
	if a.ContrastType == "" {
		if a.ContrastRequired {
			a.ContrastType = ContrastIV
		} else {
			a.ContrastType = ContrastNone
		}
	}
	return nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func extractJSONObject(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
