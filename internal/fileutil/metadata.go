// Package fileutil provides recording file utilities.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecordingMetadata is the sidecar metadata written alongside each saved
// recording.
type RecordingMetadata struct {
	Version    string        `json:"version"`
	SessionID  string        `json:"session_id"`
	UserID     string        `json:"user_id,omitempty"`
	SavedAt    time.Time     `json:"saved_at"`
	Source     string        `json:"source"`
	MIMEType   string        `json:"mime_type"`
	Bytes      int           `json:"bytes"`
	Duration   string        `json:"duration"`
	DurationMs int64         `json:"duration_ms"`
	Digest     string        `json:"sha256"`
	OutputFile string        `json:"output_file"`
	Analysis   *AnalysisMeta `json:"analysis,omitempty"`
}

// AnalysisMeta captures the submission outcome for the sidecar.
type AnalysisMeta struct {
	TaskID       string    `json:"task_id"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Status       string    `json:"status"`
	FluencyScore *float64  `json:"fluency_score,omitempty"`
	Reports      []string  `json:"reports,omitempty"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// WriteMetadata writes a <basepath>.meta.json sidecar file alongside the
// recording.
func WriteMetadata(recordingPath string, meta *RecordingMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := WriteFileAtomic(MetadataPath(recordingPath), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar for recordingPath.
func ReadMetadata(recordingPath string) (*RecordingMetadata, error) {
	data, err := os.ReadFile(MetadataPath(recordingPath))
	if err != nil {
		return nil, err
	}
	var meta RecordingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath returns <basepath>.meta.json for a given recording file path.
func MetadataPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	base := recordingPath[:len(recordingPath)-len(ext)]
	return base + ".meta.json"
}
