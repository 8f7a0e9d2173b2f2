// Package config loads gateway configuration from ~/.angrav/config.yaml
// with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig bounds the request router.
type QueueConfig struct {
	MaxPerSession         int `yaml:"max_per_session"`
	MaxTotal              int `yaml:"max_total"`
	EnqueueTimeoutSeconds int `yaml:"enqueue_timeout_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// MaintenanceConfig carries cron expressions (standard 5-field) for the
// background jobs.
type MaintenanceConfig struct {
	TrimSchedule  string `yaml:"trim_schedule"`
	PurgeSchedule string `yaml:"purge_schedule"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// RemoteDebugURL is the remote-debugging endpoint of the application
	// hosting the agent surfaces.
	RemoteDebugURL string `yaml:"remote_debug_url"`

	// AvailabilityDB is the sqlite path for rate-limit records. Empty
	// means <home>/availability.db.
	AvailabilityDB string `yaml:"availability_db"`

	// Account labels availability records; surfaces carry no account
	// identity of their own.
	Account string `yaml:"account"`

	// AuthToken, when set, gates /v1 endpoints behind Bearer auth.
	AuthToken string `yaml:"auth_token"`

	// Models advertised on /v1/models.
	Models []string `yaml:"models"`

	Queue QueueConfig `yaml:"queue"`

	PollIntervalMs           int   `yaml:"poll_interval_ms"`
	HeartbeatIntervalSeconds int   `yaml:"heartbeat_interval_seconds"`
	ThinkingGraceSeconds     int   `yaml:"thinking_grace_seconds"`
	MaxBodyBytes             int64 `yaml:"max_body_bytes"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1:8317",
		LogLevel:       "info",
		RemoteDebugURL: "http://127.0.0.1:9222",
		Account:        "default",
		Models:         []string{"gemini-antigravity"},
		Queue: QueueConfig{
			MaxPerSession:         5,
			MaxTotal:              20,
			EnqueueTimeoutSeconds: 120,
			RequestTimeoutSeconds: 300,
		},
		PollIntervalMs:           2000,
		HeartbeatIntervalSeconds: 30,
		ThinkingGraceSeconds:     15,
		MaxBodyBytes:             10 * 1024 * 1024,
		Maintenance: MaintenanceConfig{
			TrimSchedule:  "0 * * * *",
			PurgeSchedule: "*/5 * * * *",
		},
	}
}

// HomeDir resolves the application home, honoring ANGRAV_HOME.
func HomeDir() string {
	if override := os.Getenv("ANGRAV_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".angrav")
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (creating the home directory if needed),
// applies environment overrides, and normalizes defaults. A missing
// config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create angrav home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFrom reads a config rooted at an explicit home directory, used by
// the reload path so the watcher re-reads the same file it watches.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ANGRAV_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ANGRAV_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ANGRAV_REMOTE_DEBUG_URL"); raw != "" {
		cfg.RemoteDebugURL = raw
	}
	if raw := os.Getenv("ANGRAV_AVAILABILITY_DB"); raw != "" {
		cfg.AvailabilityDB = raw
	}
	if raw := os.Getenv("ANGRAV_ACCOUNT"); raw != "" {
		cfg.Account = raw
	}
	if raw := os.Getenv("ANGRAV_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("ANGRAV_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("ANGRAV_MAX_PER_SESSION"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxPerSession = v
		}
	}
	if raw := os.Getenv("ANGRAV_MAX_TOTAL"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxTotal = v
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.RemoteDebugURL == "" {
		cfg.RemoteDebugURL = def.RemoteDebugURL
	}
	if cfg.AvailabilityDB == "" {
		cfg.AvailabilityDB = filepath.Join(cfg.HomeDir, "availability.db")
	}
	if cfg.Account == "" {
		cfg.Account = def.Account
	}
	if len(cfg.Models) == 0 {
		cfg.Models = def.Models
	}
	if cfg.Queue.MaxPerSession <= 0 {
		cfg.Queue.MaxPerSession = def.Queue.MaxPerSession
	}
	if cfg.Queue.MaxTotal <= 0 {
		cfg.Queue.MaxTotal = def.Queue.MaxTotal
	}
	if cfg.Queue.EnqueueTimeoutSeconds <= 0 {
		cfg.Queue.EnqueueTimeoutSeconds = def.Queue.EnqueueTimeoutSeconds
	}
	if cfg.Queue.RequestTimeoutSeconds <= 0 {
		cfg.Queue.RequestTimeoutSeconds = def.Queue.RequestTimeoutSeconds
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = def.PollIntervalMs
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = def.HeartbeatIntervalSeconds
	}
	if cfg.ThinkingGraceSeconds <= 0 {
		cfg.ThinkingGraceSeconds = def.ThinkingGraceSeconds
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.Maintenance.TrimSchedule == "" {
		cfg.Maintenance.TrimSchedule = def.Maintenance.TrimSchedule
	}
	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = def.Maintenance.PurgeSchedule
	}
}

// Duration accessors keep call sites free of unit math.

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Queue.EnqueueTimeoutSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Queue.RequestTimeoutSeconds) * time.Second
}

func (c Config) ThinkingGrace() time.Duration {
	return time.Duration(c.ThinkingGraceSeconds) * time.Second
}

// Fingerprint returns a stable hash of the reload-relevant settings, so
// the reload loop can skip no-op file events.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|debug=%s|poll=%d|hb=%d|qps=%d|qt=%d|models=%v",
		c.BindAddr, c.LogLevel, c.RemoteDebugURL, c.PollIntervalMs,
		c.HeartbeatIntervalSeconds, c.Queue.MaxPerSession, c.Queue.MaxTotal, c.Models)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
