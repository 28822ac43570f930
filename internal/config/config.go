// Package config loads the fluentcap YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type APIConfig struct {
	BaseURL               string `yaml:"base_url"`
	Token                 string `yaml:"token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"` // 0 means no per-request timeout
	Retries               int    `yaml:"retries"`                 // GET retries; negative disables
}

type PollConfig struct {
	IntervalMS     int `yaml:"interval_ms"`
	TimeoutSeconds int `yaml:"timeout_seconds"` // 0 means poll until a terminal status
}

type CaptureConfig struct {
	Provider     string   `yaml:"provider"`
	AgentURL     string   `yaml:"agent_url"`
	Codecs       []string `yaml:"codecs"`
	FallbackMIME string   `yaml:"fallback_mime"`
	Width        int      `yaml:"width"`
	Height       int      `yaml:"height"`
	DeviceLock   string   `yaml:"device_lock"`
	// FlushTimeoutSeconds bounds the wait for the last chunk after stop.
	FlushTimeoutSeconds int `yaml:"flush_timeout_seconds"`
}

type UserConfig struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type OutputConfig struct {
	Dir            string   `yaml:"dir"`
	SaveRecordings bool     `yaml:"save_recordings"`
	ReportFormats  []string `yaml:"report_formats"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TelemetryConfig struct {
	MetricsBind string `yaml:"metrics_bind"` // empty disables /metrics
	LogLevel    string `yaml:"log_level"`
}

// Config is the daemon configuration.
type Config struct {
	API        APIConfig       `yaml:"api"`
	Poll       PollConfig      `yaml:"poll"`
	Capture    CaptureConfig   `yaml:"capture"`
	User       UserConfig      `yaml:"user"`
	ProviderID string          `yaml:"provider_id"`
	Output     OutputConfig    `yaml:"output"`
	History    HistoryConfig   `yaml:"history"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// PollInterval is the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

// PollTimeout is the overall polling limit, zero for none.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutSeconds) * time.Second
}

// FlushTimeout is the stop flush limit, zero for none.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.Capture.FlushTimeoutSeconds) * time.Second
}

func Default() Config {
	home := os.Getenv("HOME")
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:5000/api",
			Retries: 3,
		},
		Poll: PollConfig{
			IntervalMS: 2000,
		},
		Capture: CaptureConfig{
			Provider:     "agent",
			AgentURL:     "ws://127.0.0.1:8765/capture",
			Codecs:       []string{"video/webm;codecs=vp9", "video/webm;codecs=vp8"},
			FallbackMIME: "video/webm",
			Width:        1280,
			Height:       720,
			DeviceLock:   filepath.Join(home, ".cache", "fluentcap", "device.lock"),

			FlushTimeoutSeconds: 10,
		},
		User: UserConfig{
			Type: "patient",
		},
		Output: OutputConfig{
			Dir:           filepath.Join(home, "Movies", "fluentcap"),
			ReportFormats: []string{"txt", "json"},
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".local", "share", "fluentcap", "history.db"),
		},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
		},
	}
}

// UserConfigPath is ~/.config/fluentcap/config.yaml.
func UserConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "fluentcap", "config.yaml")
}

// DefaultConfigPath is the bundled default, relative to the working directory.
const DefaultConfigPath = "configs/default-config.yaml"

// Load reads path over the defaults, applies FLUENTCAP_* overrides and
// validates. An empty path uses defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadUserConfig loads ~/.config/fluentcap/config.yaml, falling back to
// configs/default-config.yaml and then to the built-in defaults.
func LoadUserConfig() (Config, string, error) {
	for _, p := range []string{UserConfigPath(), DefaultConfigPath} {
		if _, err := os.Stat(p); err == nil {
			cfg, err := Load(p)
			return cfg, p, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.API.BaseURL, "FLUENTCAP_API_BASE_URL")
	overrideString(&cfg.API.Token, "FLUENTCAP_API_TOKEN")
	overrideInt(&cfg.API.RequestTimeoutSeconds, "FLUENTCAP_API_REQUEST_TIMEOUT_SECONDS")
	overrideInt(&cfg.API.Retries, "FLUENTCAP_API_RETRIES")
	overrideInt(&cfg.Poll.IntervalMS, "FLUENTCAP_POLL_INTERVAL_MS")
	overrideInt(&cfg.Poll.TimeoutSeconds, "FLUENTCAP_POLL_TIMEOUT_SECONDS")
	overrideString(&cfg.Capture.Provider, "FLUENTCAP_CAPTURE_PROVIDER")
	overrideString(&cfg.Capture.AgentURL, "FLUENTCAP_CAPTURE_AGENT_URL")
	overrideStringSlice(&cfg.Capture.Codecs, "FLUENTCAP_CAPTURE_CODECS")
	overrideString(&cfg.Capture.FallbackMIME, "FLUENTCAP_CAPTURE_FALLBACK_MIME")
	overrideString(&cfg.Capture.DeviceLock, "FLUENTCAP_CAPTURE_DEVICE_LOCK")
	overrideInt(&cfg.Capture.FlushTimeoutSeconds, "FLUENTCAP_CAPTURE_FLUSH_TIMEOUT_SECONDS")
	overrideString(&cfg.User.ID, "FLUENTCAP_USER_ID")
	overrideString(&cfg.User.Type, "FLUENTCAP_USER_TYPE")
	overrideString(&cfg.User.Name, "FLUENTCAP_USER_NAME")
	overrideString(&cfg.User.Email, "FLUENTCAP_USER_EMAIL")
	overrideString(&cfg.ProviderID, "FLUENTCAP_PROVIDER_ID")
	overrideString(&cfg.Output.Dir, "FLUENTCAP_OUTPUT_DIR")
	overrideBool(&cfg.Output.SaveRecordings, "FLUENTCAP_OUTPUT_SAVE_RECORDINGS")
	overrideStringSlice(&cfg.Output.ReportFormats, "FLUENTCAP_OUTPUT_REPORT_FORMATS")
	overrideBool(&cfg.History.Enabled, "FLUENTCAP_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "FLUENTCAP_HISTORY_PATH")
	overrideString(&cfg.Telemetry.MetricsBind, "FLUENTCAP_TELEMETRY_METRICS_BIND")
	overrideString(&cfg.Telemetry.LogLevel, "FLUENTCAP_TELEMETRY_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.RequestTimeoutSeconds < 0 {
		return errors.New("api.request_timeout_seconds must be >= 0")
	}
	if c.Poll.IntervalMS < 250 || c.Poll.IntervalMS > 60000 {
		return fmt.Errorf("poll.interval_ms must be between 250 and 60000, got %d", c.Poll.IntervalMS)
	}
	if c.Poll.TimeoutSeconds < 0 {
		return errors.New("poll.timeout_seconds must be >= 0")
	}
	switch c.Capture.Provider {
	case "agent":
		if c.Capture.AgentURL == "" {
			return errors.New("capture.agent_url must be set when provider=agent")
		}
	default:
		return fmt.Errorf("capture.provider must be agent, got %q", c.Capture.Provider)
	}
	if len(c.Capture.Codecs) == 0 && c.Capture.FallbackMIME == "" {
		return errors.New("capture.codecs must not be empty")
	}
	if c.Capture.Width < 0 || c.Capture.Height < 0 {
		return errors.New("capture.width and capture.height must be >= 0")
	}
	if c.Capture.FlushTimeoutSeconds < 0 {
		return errors.New("capture.flush_timeout_seconds must be >= 0")
	}
	switch c.User.Type {
	case "patient", "slp":
	default:
		return fmt.Errorf("user.type must be patient or slp, got %q", c.User.Type)
	}
	for _, f := range c.Output.ReportFormats {
		switch f {
		case "txt", "json", "md":
		default:
			return fmt.Errorf("output.report_formats: unknown format %q", f)
		}
	}
	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history.path must be set when history is enabled")
	}
	return nil
}
