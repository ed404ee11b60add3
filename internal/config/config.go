package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	BlobDir    string `toml:"blob_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	SocketPath string `toml:"socket_path"`
}

// Auth maps static API bearer tokens to owner identifiers. Real session
// handling lives outside the engine; the pipeline only needs to know which
// owner a request acts for.
type Auth struct {
	Tokens map[string]string `toml:"tokens"`
}

// Provider describes one external service: where to reach it and how the
// call gate must pace, time out, and retry requests against it.
type Provider struct {
	BaseURL           string `toml:"base_url"`
	APIKey            string `toml:"api_key"`
	Model             string `toml:"model"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxInFlight       int    `toml:"max_in_flight"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxAttempts       int    `toml:"max_attempts"`
	BaseDelayMillis   int    `toml:"base_delay_ms"`
	MaxDelayMillis    int    `toml:"max_delay_ms"`
	RetriableStatuses []int  `toml:"retriable_statuses"`
}

// Segment contains planner and alignment bounds.
type Segment struct {
	MinSeconds          float64 `toml:"min_seconds"`
	MaxSeconds          float64 `toml:"max_seconds"`
	ShortClipMaxSeconds float64 `toml:"short_clip_max_seconds"`
	SpeedMin            float64 `toml:"speed_min"`
	SpeedMax            float64 `toml:"speed_max"`
	TargetWords         int     `toml:"target_words"`
}

// PlanLimits bounds target-duration selection.
type PlanLimits struct {
	TargetOverrunFactor float64 `toml:"target_overrun_factor"`
}

// Workflow contains pipeline scheduling and timing configuration.
type Workflow struct {
	WorkerConcurrencyPerJob         int `toml:"worker_concurrency_per_job"`
	MaxConcurrentJobs               int `toml:"max_concurrent_jobs"`
	LeaseSeconds                    int `toml:"lease_seconds"`
	QueuePollInterval               int `toml:"queue_poll_interval"`
	SegmentProcessingTimeoutMinutes int `toml:"segment_processing_timeout_minutes"`
	StitchingTimeoutMinutes         int `toml:"stitching_timeout_minutes"`
	SegmentFailureTolerance         int `toml:"segment_failure_tolerance"`
}

// Quota contains billing policy configuration.
type Quota struct {
	// BillSourceMinutes bills source duration instead of output duration.
	BillSourceMinutes bool `toml:"bill_source_minutes"`
}

// Billing contains configuration for the billing completion sink.
type Billing struct {
	SinkURL        string `toml:"sink_url"`
	SigningSecret  string `toml:"signing_secret"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Blob contains configuration for presigned download URLs.
type Blob struct {
	PresignSecret     string `toml:"presign_secret"`
	PresignTTLSeconds int    `toml:"presign_ttl_seconds"`
}

// Retention controls pruning of terminal jobs and their artifacts.
type Retention struct {
	Enabled         bool `toml:"enabled"`
	TerminalMaxAgeH int  `toml:"terminal_max_age_hours"`
}

// Transcoder contains configuration for the ffmpeg subprocess.
type Transcoder struct {
	FFmpegBinary   string `toml:"ffmpeg_binary"`
	FFprobeBinary  string `toml:"ffprobe_binary"`
	TimeoutMinutes int    `toml:"timeout_minutes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the recap daemon.
//
// Configuration sections by subsystem:
//   - Paths: data, blob, and log directories plus bind addresses
//   - Auth: static token to owner mapping for the HTTP API
//   - Providers: external service endpoints and call-gate policies
//   - Segment / PlanLimits: planner and alignment bounds
//   - Workflow: pipeline concurrency, leases, and stage timeouts
//   - Quota / Billing: minute accounting and the completion sink
//   - Blob: presigned URL signing
//   - Transcoder: ffmpeg subprocess settings
//   - Retention: terminal job pruning
//   - Logging: log format and level
type Config struct {
	Paths      Paths               `toml:"paths"`
	Auth       Auth                `toml:"auth"`
	Providers  map[string]Provider `toml:"providers"`
	Segment    Segment             `toml:"segment"`
	PlanLimits PlanLimits          `toml:"plan_limits"`
	Workflow   Workflow            `toml:"workflow"`
	Quota      Quota               `toml:"quota"`
	Billing    Billing             `toml:"billing"`
	Blob       Blob                `toml:"blob"`
	Transcoder Transcoder          `toml:"transcoder"`
	Retention  Retention           `toml:"retention"`
	Logging    Logging             `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/recap/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}

// WriteSample writes the embedded sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates all directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.BlobDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ against the home directory and returns an
// absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", trimmed, err)
	}
	return abs, nil
}
