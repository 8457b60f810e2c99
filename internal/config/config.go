// Package config loads the engine configuration from <home>/config.yaml,
// applies environment overrides, and normalizes defaults.
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

// SandboxConfig controls how generated programs are executed. When Enabled is
// false, programs run as plain local subprocesses.
type SandboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	MemoryMB  int64  `yaml:"memory_mb"`
	Network   string `yaml:"network"`
	Workspace string `yaml:"workspace"`
}

// OTelConfig configures the OpenTelemetry provider.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// JanitorConfig controls eviction of terminal tasks from memory.
type JanitorConfig struct {
	Schedule         string `yaml:"schedule"`          // cron spec, e.g. "@every 10m"
	RetentionMinutes int    `yaml:"retention_minutes"` // age before a terminal task is evicted
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// TaskDeadlineSeconds is the hard wall-clock deadline for one pipeline run.
	// TestMode swaps in the shorter test deadline.
	TaskDeadlineSeconds     int  `yaml:"task_deadline_seconds"`
	TestDeadlineSeconds     int  `yaml:"test_deadline_seconds"`
	TestMode                bool `yaml:"test_mode"`
	CancelAckTimeoutSeconds int  `yaml:"cancel_ack_timeout_seconds"`

	// LLMMaxConcurrency bounds concurrent model calls across all tasks.
	LLMMaxConcurrency int `yaml:"llm_max_concurrency"`

	// ReplayEventCount is how many buffered events a new live subscriber
	// receives on connect before streaming starts.
	ReplayEventCount     int `yaml:"replay_event_count"`
	WSIdleTimeoutSeconds int `yaml:"ws_idle_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	OTel    OTelConfig    `yaml:"otel"`
	Janitor JanitorConfig `yaml:"janitor"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:18990",
		LogLevel:                "info",
		TaskDeadlineSeconds:     int((10 * time.Minute).Seconds()),
		TestDeadlineSeconds:     120,
		CancelAckTimeoutSeconds: 5,
		LLMMaxConcurrency:       3,
		ReplayEventCount:        10,
		WSIdleTimeoutSeconds:    30,
		Sandbox: SandboxConfig{
			Image:    "python:3.12-alpine",
			MemoryMB: 512,
			Network:  "none",
		},
		OTel: OTelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
		Janitor: JanitorConfig{
			Schedule:         "@every 10m",
			RetentionMinutes: 60,
		},
	}
}

// HomeDir resolves the engine home directory. MGX_HOME overrides the default
// ~/.mgx.
func HomeDir() string {
	if override := os.Getenv("MGX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mgx")
}

// ConfigPath returns the config.yaml path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the engine home, creating the home directory if
// needed. A missing file yields defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create engine home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes the config back to config.yaml.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MGX_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("MGX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MGX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MGX_TEST_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TestMode = b
		}
	}
	if v := os.Getenv("MGX_LLM_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLMMaxConcurrency = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "mgx.db")
	}
	if cfg.TaskDeadlineSeconds <= 0 {
		cfg.TaskDeadlineSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.TestDeadlineSeconds <= 0 {
		cfg.TestDeadlineSeconds = 120
	}
	if cfg.CancelAckTimeoutSeconds <= 0 {
		cfg.CancelAckTimeoutSeconds = 5
	}
	if cfg.LLMMaxConcurrency <= 0 {
		cfg.LLMMaxConcurrency = 3
	}
	if cfg.ReplayEventCount <= 0 {
		cfg.ReplayEventCount = 10
	}
	if cfg.WSIdleTimeoutSeconds <= 0 {
		cfg.WSIdleTimeoutSeconds = 30
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "python:3.12-alpine"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "none"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@every 10m"
	}
	if cfg.Janitor.RetentionMinutes <= 0 {
		cfg.Janitor.RetentionMinutes = 60
	}
}

// TaskDeadline returns the effective pipeline deadline for the active mode.
func (c Config) TaskDeadline() time.Duration {
	if c.TestMode {
		return time.Duration(c.TestDeadlineSeconds) * time.Second
	}
	return time.Duration(c.TaskDeadlineSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|deadline=%d|test=%t|llm=%d|replay=%d|idle=%d|sandbox=%t",
		c.BindAddr, c.LogLevel, c.TaskDeadlineSeconds, c.TestMode,
		c.LLMMaxConcurrency, c.ReplayEventCount, c.WSIdleTimeoutSeconds, c.Sandbox.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
