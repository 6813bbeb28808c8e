package offline_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harborapp/synccore/pkg/offline"
)

func TestLoadConfigCreatesTemplateWhenMissing(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cfg, err := offline.LoadConfig(configPath)
	if !errors.Is(err, offline.ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when missing, got %#v", cfg)
	}

	data, readErr := os.ReadFile(configPath)
	if readErr != nil {
		t.Fatalf("expected template to be created, read failed: %v", readErr)
	}
	if !strings.Contains(string(data), "attempt_ceiling") {
		t.Fatalf("template content does not contain expected default, got:\n%s", string(data))
	}
}

func TestLoadConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
data_dir: /tmp/synccore
queue:
  attempt_ceiling: -3
sync:
  backoff_base_sec: 10
  backoff_max_sec: 2
network:
  debounce_ms: 300
transport:
  base_url: ""
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := offline.LoadConfig(configPath)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if cfg != nil {
		t.Fatalf("expected nil config on validation failure, got %#v", cfg)
	}
	var vErr offline.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(vErr.Issues) < 3 {
		t.Fatalf("expected issues for ceiling, backoff and base_url, got %v", vErr.Issues)
	}
}

func TestLoadConfigParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
data_dir: /var/lib/synccore
queue:
  attempt_ceiling: 8
sync:
  backoff_base_sec: 2
  backoff_max_sec: 60
  refresh_interval_sec: 10
  sync_interval_sec: 900
  asset_max_age_days: 3
network:
  debounce_ms: 150
  probe_url: https://probe.example.com/204
  probe_interval_sec: 20
  probe_timeout_sec: 3
transport:
  base_url: https://api.example.com
  timeout_sec: 30
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.AttemptCeiling != 8 {
		t.Errorf("AttemptCeiling = %d, want 8", cfg.Queue.AttemptCeiling)
	}
	if cfg.Sync.BackoffBaseSec != 2 || cfg.Sync.BackoffMaxSec != 60 {
		t.Errorf("backoff = %d/%d, want 2/60", cfg.Sync.BackoffBaseSec, cfg.Sync.BackoffMaxSec)
	}
	if cfg.Sync.SyncIntervalSec != 900 {
		t.Errorf("SyncIntervalSec = %d, want 900", cfg.Sync.SyncIntervalSec)
	}
	if cfg.Network.DebounceMs != 150 {
		t.Errorf("DebounceMs = %d, want 150", cfg.Network.DebounceMs)
	}
	if cfg.Transport.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Transport.BaseURL)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
data_dir: /var/lib/synccore
transport:
  base_url: https://api.example.com
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.AttemptCeiling != 5 {
		t.Errorf("AttemptCeiling = %d, want default 5", cfg.Queue.AttemptCeiling)
	}
	if cfg.Sync.BackoffBaseSec != 5 || cfg.Sync.BackoffMaxSec != 300 {
		t.Errorf("backoff = %d/%d, want defaults 5/300", cfg.Sync.BackoffBaseSec, cfg.Sync.BackoffMaxSec)
	}
	if cfg.Sync.SyncIntervalSec != 0 {
		t.Errorf("SyncIntervalSec = %d, want 0 (periodic sync disabled)", cfg.Sync.SyncIntervalSec)
	}
	if cfg.Sync.AssetMaxAgeDays != 7 {
		t.Errorf("AssetMaxAgeDays = %d, want default 7", cfg.Sync.AssetMaxAgeDays)
	}
	if cfg.Network.DebounceMs != 300 {
		t.Errorf("DebounceMs = %d, want default 300", cfg.Network.DebounceMs)
	}
	if cfg.Network.ProbeURL == "" {
		t.Error("ProbeURL default not applied")
	}
	if cfg.Transport.TimeoutSec != 15 {
		t.Errorf("Transport.TimeoutSec = %d, want default 15", cfg.Transport.TimeoutSec)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
data_dir: /var/lib/synccore
transport:
  base_url: https://api.example.com
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SYNCCORE_BASE_URL", "https://staging.example.com")
	t.Setenv("SYNCCORE_ATTEMPT_CEILING", "3")

	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Transport.BaseURL != "https://staging.example.com" {
		t.Errorf("BaseURL = %q, env override not applied", cfg.Transport.BaseURL)
	}
	if cfg.Queue.AttemptCeiling != 3 {
		t.Errorf("AttemptCeiling = %d, env override not applied", cfg.Queue.AttemptCeiling)
	}
}
