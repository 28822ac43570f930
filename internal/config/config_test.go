package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval())
	}
	if cfg.PollTimeout() != 0 {
		t.Errorf("PollTimeout = %v, want unlimited", cfg.PollTimeout())
	}
	if cfg.API.RequestTimeoutSeconds != 0 {
		t.Errorf("request timeout = %d, want 0", cfg.API.RequestTimeoutSeconds)
	}
	if cfg.FlushTimeout() != 10*time.Second {
		t.Errorf("FlushTimeout = %v, want 10s", cfg.FlushTimeout())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
api:
  base_url: https://stutter.example.com/api
  token: secret
poll:
  interval_ms: 500
  timeout_seconds: 600
user:
  id: patient42
provider_id: slp1
output:
  report_formats: [txt, md]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://stutter.example.com/api" || cfg.API.Token != "secret" {
		t.Errorf("api not loaded: %+v", cfg.API)
	}
	if cfg.PollInterval() != 500*time.Millisecond || cfg.PollTimeout() != 10*time.Minute {
		t.Errorf("poll not loaded: %+v", cfg.Poll)
	}
	if cfg.User.ID != "patient42" || cfg.ProviderID != "slp1" {
		t.Errorf("user not loaded: %+v %q", cfg.User, cfg.ProviderID)
	}
	// Untouched keys keep their defaults.
	if cfg.Capture.Provider != "agent" || len(cfg.Capture.Codecs) != 2 {
		t.Errorf("capture defaults lost: %+v", cfg.Capture)
	}
	if strings.Join(cfg.Output.ReportFormats, ",") != "txt,md" {
		t.Errorf("report formats = %v", cfg.Output.ReportFormats)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLUENTCAP_API_BASE_URL", "http://10.0.0.2:5000/api")
	t.Setenv("FLUENTCAP_POLL_INTERVAL_MS", "1000")
	t.Setenv("FLUENTCAP_CAPTURE_CODECS", " video/webm;codecs=vp8 , ")
	t.Setenv("FLUENTCAP_HISTORY_ENABLED", "false")
	t.Setenv("FLUENTCAP_USER_ID", "patient7")
	t.Setenv("FLUENTCAP_CAPTURE_FLUSH_TIMEOUT_SECONDS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "http://10.0.0.2:5000/api" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Poll.IntervalMS != 1000 {
		t.Errorf("interval = %d", cfg.Poll.IntervalMS)
	}
	if len(cfg.Capture.Codecs) != 1 || cfg.Capture.Codecs[0] != "video/webm;codecs=vp8" {
		t.Errorf("codecs = %v", cfg.Capture.Codecs)
	}
	if cfg.History.Enabled {
		t.Error("history should be disabled")
	}
	if cfg.User.ID != "patient7" {
		t.Errorf("user id = %q", cfg.User.ID)
	}
	if cfg.FlushTimeout() != 3*time.Second {
		t.Errorf("flush timeout = %v", cfg.FlushTimeout())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad scheme", func(c *Config) { c.API.BaseURL = "ftp://x" }, "api.base_url"},
		{"negative request timeout", func(c *Config) { c.API.RequestTimeoutSeconds = -1 }, "request_timeout"},
		{"interval too small", func(c *Config) { c.Poll.IntervalMS = 100 }, "poll.interval_ms"},
		{"interval too large", func(c *Config) { c.Poll.IntervalMS = 61000 }, "poll.interval_ms"},
		{"negative poll timeout", func(c *Config) { c.Poll.TimeoutSeconds = -5 }, "poll.timeout_seconds"},
		{"unknown provider", func(c *Config) { c.Capture.Provider = "obs" }, "capture.provider"},
		{"negative flush timeout", func(c *Config) { c.Capture.FlushTimeoutSeconds = -1 }, "flush_timeout_seconds"},
		{"no codecs", func(c *Config) { c.Capture.Codecs = nil; c.Capture.FallbackMIME = "" }, "capture.codecs"},
		{"unknown user type", func(c *Config) { c.User.Type = "admin" }, "user.type"},
		{"unknown format", func(c *Config) { c.Output.ReportFormats = []string{"pdf"} }, "report_formats"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "history.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.User.ID = "patient42"
	cfg.Poll.TimeoutSeconds = 30
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.User.ID != "patient42" || got.Poll.TimeoutSeconds != 30 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
