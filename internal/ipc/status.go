package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/fluentcap/internal/fileutil"
)

// StatusSnapshot is the daemon state published for the CLI.
type StatusSnapshot struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	Seconds        int       `json:"seconds"`
	ArtifactBytes  int       `json:"artifact_bytes,omitempty"`
	ArtifactMIME   string    `json:"artifact_mime,omitempty"`
	ArtifactSource string    `json:"artifact_source,omitempty"`
	ConsentPending bool      `json:"consent_pending"`
	ProviderID     string    `json:"provider_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	TaskStatus     string    `json:"task_status,omitempty"`
	FluencyScore   *int      `json:"fluency_score,omitempty"` // rounded, set once completed
	Summary        string    `json:"summary,omitempty"`
	SavedFiles     []string  `json:"saved_files,omitempty"`
	LastAction     string    `json:"last_action,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusPath is the status file inside dir.
func StatusPath(dir string) string { return filepath.Join(dir, "status.json") }

// WriteStatus persists status to dir/status.json atomically.
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(StatusPath(dir), append(data, '\n'), 0644)
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(dir))
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
