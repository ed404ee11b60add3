package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"recap/internal/config"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be reported missing")
	}
	if cfg.Workflow.WorkerConcurrencyPerJob != 4 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.Workflow.WorkerConcurrencyPerJob)
	}
	if cfg.PlanLimits.TargetOverrunFactor != 1.10 {
		t.Fatalf("unexpected overrun factor: %v", cfg.PlanLimits.TargetOverrunFactor)
	}
	if _, ok := cfg.Providers[config.ProviderTTS]; !ok {
		t.Fatal("expected tts provider defaults")
	}
}

func TestLoadMergesPartialProviderSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[providers.tts]\nrequests_per_second = 9.0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	tts := cfg.Providers[config.ProviderTTS]
	if tts.RequestsPerSecond != 9.0 {
		t.Fatalf("override not applied: %v", tts.RequestsPerSecond)
	}
	if tts.MaxAttempts != 4 {
		t.Fatalf("default not merged: %d", tts.MaxAttempts)
	}
}

func TestValidateRejectsBadSegmentBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Segment.MinSeconds = 30
	cfg.Segment.MaxSeconds = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for inverted segment bounds")
	}
}

func TestValidateRequiresSigningSecretWithSink(t *testing.T) {
	cfg := config.Default()
	cfg.Billing.SinkURL = "https://billing.example.com/hooks/recap"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing signing secret")
	}
}

func TestSampleConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(config.SampleConfig()), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
}
