package ipc

import (
	"os"
	"testing"
	"time"
)

func TestCommandRoundTrip(t *testing.T) {
	dir := t.TempDir()
	args := map[string]string{"name": "Sam Lee", "email": "sam@example.com", "age": "30", "gender": "other"}
	if err := WriteCommand(dir, CmdDetails, args); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	env, err := ReadCommand(dir)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if env == nil || env.Cmd != CmdDetails || env.Arg("email") != "sam@example.com" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	// Reading clears the file.
	env, err = ReadCommand(dir)
	if err != nil || env != nil {
		t.Fatalf("expected no pending command, got %+v, %v", env, err)
	}
}

func TestReadCommandMissingFile(t *testing.T) {
	env, err := ReadCommand(t.TempDir())
	if err != nil || env != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", env, err)
	}
}

func TestWriteCommandValidates(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cmd  Command
		args map[string]string
		ok   bool
	}{
		{"unknown", Command("toggle"), nil, false},
		{"select without path", CmdSelect, nil, false},
		{"provider blank id", CmdProvider, map[string]string{"id": "  "}, false},
		{"start", CmdStart, nil, true},
		{"provider", CmdProvider, map[string]string{"id": "slp1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteCommand(dir, tt.cmd, tt.args)
			if (err == nil) != tt.ok {
				t.Errorf("WriteCommand(%s) error = %v, want ok=%v", tt.cmd, err, tt.ok)
			}
		})
	}
}

func TestReadCommandClearsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(CommandPath(dir), []byte(`{"cmd":"toggle"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCommand(dir); err == nil {
		t.Fatal("expected error for unknown command")
	}
	data, _ := os.ReadFile(CommandPath(dir))
	if len(data) != 0 {
		t.Errorf("command file not cleared: %q", data)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	score := 78
	in := &StatusSnapshot{
		SessionID:    "s1",
		State:        "completed",
		TaskID:       "patient42_1736951400000",
		TaskStatus:   "completed",
		FluencyScore: &score,
		Summary:      "Fluency score: 78",
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	if err := WriteStatus(dir, in); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	out, err := ReadStatus(dir)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if out.TaskID != in.TaskID || out.FluencyScore == nil || *out.FluencyScore != 78 || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
