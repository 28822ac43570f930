// Package diaglog provides structured NDJSON diagnostic logging for the
// capture-and-submit pipeline. Activated by FLUENTCAP_DEBUG=true. When the
// env var is absent, all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// maxSizeMB caps the live log before it is rotated to a single backup.
const maxSizeMB = 10

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentDeviceManager  = "device-manager"
	ComponentCaptureAgent   = "capture-agent"
	ComponentRecorder       = "recorder"
	ComponentSubmission     = "submission"
	ComponentAnalysisClient = "analysis-client"
	ComponentPoller         = "poller"
	ComponentSession        = "session"
	ComponentHistory        = "history"
	ComponentCore           = "fluentcap-core"
	ComponentDiagExport     = "diag-export"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventDeviceAcquire      = "device_acquire"
	EventDeviceAcquireError = "device_acquire_error"
	EventDeviceRelease      = "device_release"
	EventRecordingStart     = "recording_start"
	EventRecordingStop      = "recording_stop"
	EventRecordingReset     = "recording_reset"
	EventArtifactReady      = "artifact_ready"
	EventConsentPrompt      = "consent_prompt"
	EventConsentAccepted    = "consent_accepted"
	EventConsentDeclined    = "consent_declined"
	EventAssociation        = "provider_association"
	EventUploadStart        = "upload_start"
	EventUploadDone         = "upload_done"
	EventUploadFailed       = "upload_failed"
	EventRequestRetry       = "request_retry"
	EventPollStatus         = "poll_status"
	EventPollSkipped        = "poll_skipped"
	EventPollStopped        = "poll_stopped"
	EventResultFetched      = "result_fetched"
	EventStateTransition    = "state_transition"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // session context id
	TaskID    string      `json:"task_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a size-rotated NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	w       *lumberjack.Logger
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 1,
	}
	return &Logger{w: w, enabled: true}, nil
}

// Log serialises entry to JSON and appends it to the log file.
// Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(data)
}

// Enabled reports whether entries are actually written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.w == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// IsDebugEnabled reports whether FLUENTCAP_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("FLUENTCAP_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}

// Holder is embedded by components that accept a logger through SetLogger.
// The zero value is ready to use and logs nothing.
type Holder struct {
	mu        sync.RWMutex
	logger    *Logger
	component string
}

// SetLogger injects l; entries without a component get the holder's default.
func (h *Holder) SetLogger(l *Logger) {
	h.mu.Lock()
	h.logger = l
	h.mu.Unlock()
}

// SetComponent sets the default component label.
func (h *Holder) SetComponent(c string) {
	h.mu.Lock()
	h.component = c
	h.mu.Unlock()
}

// Log forwards entry to the injected logger, if any.
func (h *Holder) Log(entry LogEntry) {
	h.mu.RLock()
	l, c := h.logger, h.component
	h.mu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = c
	}
	l.Log(entry)
}
