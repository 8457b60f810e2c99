package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MGX_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.LLMMaxConcurrency != 3 {
		t.Fatalf("LLMMaxConcurrency = %d, want 3", cfg.LLMMaxConcurrency)
	}
	if cfg.TaskDeadlineSeconds != 600 {
		t.Fatalf("TaskDeadlineSeconds = %d, want 600", cfg.TaskDeadlineSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "mgx.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Janitor.Schedule != "@every 10m" {
		t.Fatalf("Janitor.Schedule = %q", cfg.Janitor.Schedule)
	}
}

func TestLoad_ReadsYAMLAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MGX_HOME", home)
	t.Setenv("MGX_LOG_LEVEL", "debug")
	t.Setenv("MGX_TEST_MODE", "true")

	yamlBody := "bind_addr: 127.0.0.1:9999\nllm_max_concurrency: 5\nreplay_event_count: 25\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LLMMaxConcurrency != 5 {
		t.Fatalf("LLMMaxConcurrency = %d, want 5", cfg.LLMMaxConcurrency)
	}
	if cfg.ReplayEventCount != 25 {
		t.Fatalf("ReplayEventCount = %d, want 25", cfg.ReplayEventCount)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug (env override)", cfg.LogLevel)
	}
	if !cfg.TestMode {
		t.Fatal("TestMode should be set by env override")
	}
}

func TestTaskDeadline_TestModeUsesShortDeadline(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.TaskDeadline(); got != 10*time.Minute {
		t.Fatalf("TaskDeadline = %v, want 10m", got)
	}
	cfg.TestMode = true
	if got := cfg.TaskDeadline(); got != 2*time.Minute {
		t.Fatalf("TaskDeadline in test mode = %v, want 2m", got)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.TestMode = true
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("differing configs should not share a fingerprint")
	}
}
