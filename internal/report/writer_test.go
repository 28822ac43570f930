package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/fluentcap/internal/analysis"
)

func sampleReport() *Report {
	return &Report{
		TaskID:      "patient42_1736951400000",
		UserID:      "patient42",
		CompletedAt: time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		Result: &analysis.Result{
			FluencyScore: 78.4,
			Events: []analysis.Event{
				{Time: "0:05", Type: "Repetition", Severity: "Mild"},
				{Time: "0:12", Type: "Prolongation", Severity: "Moderate"},
				{Time: "0:28", Type: "Block", Severity: "Severe"},
			},
			DisfluencyTypes: map[string]int{"Repetition": 5, "Prolongation": 3, "Block": 2},
			Duration:        45,
			Details:         analysis.Details{TotalWords: 120, StutteredWords: 10, SpeechRate: 2.67, PauseDuration: 3.2},
		},
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{78, "Fluency score: 78"},
		{78.4, "Fluency score: 78"},
		{78.5, "Fluency score: 79"},
		{0, "Fluency score: 0"},
	}
	for _, tt := range tests {
		got := Summary(&analysis.Result{FluencyScore: tt.score})
		if got != tt.want {
			t.Errorf("Summary(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestSeverityLevel(t *testing.T) {
	tests := map[string]int{"Mild": 1, "Moderate": 2, "Severe": 3, "": 1, "unknown": 1}
	for in, want := range tests {
		if got := SeverityLevel(in); got != want {
			t.Errorf("SeverityLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := WriteText(path, sampleReport()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := string(data)

	if !strings.HasPrefix(got, "Fluency score: 78\n") {
		t.Errorf("missing summary line; got:\n%s", got)
	}
	for _, want := range []string{
		"Duration: 0:45",
		"Words: 120 total, 10 stuttered (8.3%)",
		"[0:28] Block (Severe, level 3)",
		"  Block: 2\n  Prolongation: 3\n  Repetition: 5\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q; got:\n%s", want, got)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteJSON(path, sampleReport()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var res map[string]json.RawMessage
	if err := json.Unmarshal(raw["result"], &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	for _, k := range []string{"fluency_score", "stuttering_events", "disfluency_types", "duration", "analysis_details"} {
		if _, ok := res[k]; !ok {
			t.Errorf("result missing %q", k)
		}
	}
}

func TestWriteMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")
	if err := WriteMarkdown(path, sampleReport()); err != nil {
		t.Fatalf("WriteMarkdown: %v", err)
	}
	data, _ := os.ReadFile(path)
	got := string(data)
	if !strings.Contains(got, "**Fluency score: 78**") {
		t.Errorf("missing summary; got:\n%s", got)
	}
	if !strings.Contains(got, "| 0:12 | Prolongation | Moderate | 2 |") {
		t.Errorf("missing event row; got:\n%s", got)
	}
	if !strings.Contains(got, "2025-01-15T14:30:00Z") {
		t.Errorf("missing completion time; got:\n%s", got)
	}
}

func TestWriteAll(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out", "stutter_recording_1736951400000")
	written, err := WriteAll(base, sampleReport(), []string{"txt", "json", "md"})
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("expected 3 files, got %v", written)
	}
	for _, p := range written {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("stat %s: %v", p, err)
		}
	}
}

func TestWriteAllDefaultsAndErrors(t *testing.T) {
	base := filepath.Join(t.TempDir(), "r")
	written, err := WriteAll(base, sampleReport(), nil)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(written) != 1 || written[0] != base+".txt" {
		t.Errorf("default formats wrote %v", written)
	}

	_, err = WriteAll(base, sampleReport(), []string{"pdf"})
	if err == nil || !strings.Contains(err.Error(), `unknown format "pdf"`) {
		t.Errorf("expected unknown format error, got %v", err)
	}

	if _, err := WriteAll(base, &Report{}, nil); err == nil {
		t.Error("expected error for empty report")
	}
}
