package diaglog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogWritesNDJSON(t *testing.T) {
	t.Setenv("FLUENTCAP_DEBUG", "true")

	tmp := t.TempDir() + "/test.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries := []LogEntry{
		{Component: ComponentDeviceManager, Event: EventDeviceAcquire},
		{Component: ComponentRecorder, Event: EventRecordingStart, SessionID: "sess-1"},
		{Component: ComponentPoller, Event: EventPollStatus, TaskID: "patient42_1700000000000", Reason: "processing"},
	}
	for _, e := range entries {
		l.Log(e)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line: %v -> %s", err, scanner.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != len(entries) {
		t.Fatalf("want %d lines, got %d", len(entries), len(lines))
	}
	if lines[0]["component"] != ComponentDeviceManager {
		t.Errorf("component mismatch: %v", lines[0]["component"])
	}
	if lines[1]["session_id"] != "sess-1" {
		t.Errorf("session_id mismatch: %v", lines[1]["session_id"])
	}
	if lines[2]["task_id"] != "patient42_1700000000000" {
		t.Errorf("task_id mismatch: %v", lines[2]["task_id"])
	}
	if lines[0]["ts"] == nil {
		t.Error("ts field missing")
	}
}

func TestDisabledLoggerCreatesNoFile(t *testing.T) {
	t.Setenv("FLUENTCAP_DEBUG", "")

	tmp := t.TempDir() + "/off.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Log(LogEntry{Component: ComponentPoller, Event: EventPollStatus})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.Enabled() {
		t.Error("logger should be disabled")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("expected no log file, stat err = %v", err)
	}
}

func TestRedactSensitiveFields(t *testing.T) {
	input := map[string]interface{}{
		"Authorization": "Bearer abc",
		"token":         "tok",
		"email":         "patient@example.com",
		"task_id":       "patient42_1",
		"user_details": map[string]interface{}{
			"email": "nested@example.com",
			"age":   "31",
			"slp":   "slp1",
		},
	}

	out := Redact(input).(map[string]interface{})
	for _, k := range []string{"Authorization", "token", "email"} {
		if out[k] != "[REDACTED]" {
			t.Errorf("key %q: want [REDACTED], got %v", k, out[k])
		}
	}
	if out["task_id"] != "patient42_1" {
		t.Error("task_id should be preserved")
	}
	nested := out["user_details"].(map[string]interface{})
	if nested["email"] != "[REDACTED]" {
		t.Error("nested email not redacted")
	}
	if nested["age"] != "[REDACTED]" {
		t.Error("nested age not redacted")
	}
	if nested["slp"] != "slp1" {
		t.Error("nested slp should be preserved")
	}
}

func TestNoOpWhenDisabled(t *testing.T) {
	t.Setenv("FLUENTCAP_DEBUG", "")

	tmp := t.TempDir() + "/noop.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Enabled() {
		t.Fatal("logger should be disabled")
	}
	l.Log(LogEntry{Component: ComponentRecorder, Event: EventRecordingStart})
	_ = l.Close()

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("log file should not exist when debug disabled")
	}
}

func TestHolderDefaultsComponent(t *testing.T) {
	t.Setenv("FLUENTCAP_DEBUG", "true")

	tmp := t.TempDir() + "/holder.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var h Holder
	h.Log(LogEntry{Event: "dropped"}) // no logger yet
	h.SetComponent(ComponentSubmission)
	h.SetLogger(l)
	h.Log(LogEntry{Event: EventUploadStart})
	_ = l.Close()

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := strings.TrimSpace(string(data))
	if strings.Count(got, "\n") != 0 {
		t.Fatalf("want exactly one line, got %q", got)
	}
	if !strings.Contains(got, `"component":"submission"`) {
		t.Errorf("component not defaulted: %s", got)
	}
}
