package fileutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiroq/fluentcap/internal/media"
)

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "recording"},
		{"take one", "take-one"},
		{"a/b\\c:d", "a-b-c-d"},
		{"  __  ", "recording"},
		{"stutter_recording_1", "stutter-recording-1"},
	}
	for _, tt := range tests {
		if got := SanitizeForFilename(tt.input); got != tt.want {
			t.Errorf("SanitizeForFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	long := SanitizeForFilename(string(bytes.Repeat([]byte("x"), 80)))
	if len(long) != 50 {
		t.Errorf("long name len = %d, want 50", len(long))
	}
}

func TestRecordingFilename(t *testing.T) {
	ts := time.UnixMilli(1736951400123)
	if got := RecordingFilename(ts, "video/webm;codecs=vp9"); got != "stutter_recording_1736951400123.webm" {
		t.Errorf("RecordingFilename = %q", got)
	}
	if got := RecordingFilename(ts, "audio/mpeg"); got != "stutter_recording_1736951400123.mp3" {
		t.Errorf("RecordingFilename = %q", got)
	}
}

func TestSaveArtifact_AvoidsOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	a := media.New([]byte("first"), "video/webm", time.Second, "take.webm")
	b := media.New([]byte("second"), "video/webm", time.Second, "take.webm")

	p1, err := SaveArtifact(dir, a)
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	p2, err := SaveArtifact(dir, b)
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	if filepath.Base(p1) != "take.webm" {
		t.Errorf("first path = %q", p1)
	}
	if filepath.Base(p2) != "take_2.webm" {
		t.Errorf("second path = %q", p2)
	}
	data, err := os.ReadFile(p2)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	if err := WriteFileAtomic(path, []byte("{}"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "status.json" {
		t.Errorf("dir entries = %v, want only status.json", entries)
	}
}
