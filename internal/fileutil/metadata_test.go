package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteMetadata_Basic(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "stutter_recording_1736951400000.webm")
	if err := os.WriteFile(recPath, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}

	meta := &RecordingMetadata{
		Version:    "1.2.3",
		SessionID:  "abc123",
		UserID:     "patient42",
		SavedAt:    time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		Source:     "recorded",
		MIMEType:   "video/webm;codecs=vp9",
		Bytes:      4,
		Duration:   "45s",
		DurationMs: 45000,
		OutputFile: recPath,
	}

	if err := WriteMetadata(recPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	got, err := ReadMetadata(recPath)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.SessionID != "abc123" {
		t.Errorf("session_id = %q, want %q", got.SessionID, "abc123")
	}
	if got.UserID != "patient42" {
		t.Errorf("user_id = %q, want %q", got.UserID, "patient42")
	}
	if got.DurationMs != 45000 {
		t.Errorf("duration_ms = %d, want %d", got.DurationMs, 45000)
	}
	if got.MIMEType != "video/webm;codecs=vp9" {
		t.Errorf("mime_type = %q", got.MIMEType)
	}
}

func TestWriteMetadata_WithAnalysis(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "recording.webm")

	score := 78.0
	meta := &RecordingMetadata{
		Version:    "dev",
		OutputFile: recPath,
		Analysis: &AnalysisMeta{
			TaskID:       "patient42_1736951400000",
			Status:       "completed",
			FluencyScore: &score,
			Reports:      []string{"txt", "json"},
		},
	}
	if err := WriteMetadata(recPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	got, err := ReadMetadata(recPath)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.Analysis == nil {
		t.Fatal("analysis is nil, expected non-nil")
	}
	if got.Analysis.TaskID != "patient42_1736951400000" {
		t.Errorf("analysis.task_id = %q", got.Analysis.TaskID)
	}
	if got.Analysis.FluencyScore == nil || *got.Analysis.FluencyScore != 78 {
		t.Errorf("analysis.fluency_score = %v, want 78", got.Analysis.FluencyScore)
	}
	if len(got.Analysis.Reports) != 2 {
		t.Errorf("analysis.reports len = %d, want 2", len(got.Analysis.Reports))
	}
}

func TestWriteMetadata_NilAnalysis(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "recording.webm")

	if err := WriteMetadata(recPath, &RecordingMetadata{Version: "dev"}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recording.meta.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["analysis"]; ok {
		t.Error("expected no 'analysis' field in JSON when Analysis is nil")
	}
}

func TestMetadataPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"recording.webm", "recording.meta.json"},
		{"/path/to/file.mp4", "/path/to/file.meta.json"},
		{"no-ext", "no-ext.meta.json"},
	}
	for _, tt := range tests {
		got := MetadataPath(tt.input)
		if got != tt.want {
			t.Errorf("MetadataPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteMetadata_AtomicNoPartialFile(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "nonexistent", "sub", "recording.webm")
	if err := WriteMetadata(badPath, &RecordingMetadata{Version: "dev"}); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}
