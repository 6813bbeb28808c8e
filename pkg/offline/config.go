// Package offline ties the queue, the network monitor, the transport and
// the sync engine together and owns their shared configuration.
package offline

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultVersion          = 1
	defaultAttemptCeiling   = 5
	defaultBackoffBaseSec   = 5
	defaultBackoffMaxSec    = 300
	defaultRefreshSec       = 30
	defaultAssetMaxAgeDays  = 7
	defaultDebounceMs       = 300
	defaultProbeIntervalSec = 15
	defaultProbeTimeoutSec  = 5
	defaultUploadTimeoutSec = 15

	defaultProbeURL = "https://connectivity.harborapp.dev/generate_204"
)

var ErrConfigMissing = errors.New("sync config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the sync daemon's behaviour.
type Config struct {
	Version int    `yaml:"version"`
	DataDir string `yaml:"data_dir" env:"SYNCCORE_DATA_DIR"`

	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Network   NetworkConfig   `yaml:"network"`
	Transport TransportConfig `yaml:"transport"`
}

// QueueConfig tunes the durable pending-item store.
type QueueConfig struct {
	AttemptCeiling int `yaml:"attempt_ceiling" env:"SYNCCORE_ATTEMPT_CEILING"`
}

// SyncConfig tunes the engine's retry and refresh behaviour.
type SyncConfig struct {
	BackoffBaseSec     int `yaml:"backoff_base_sec" env:"SYNCCORE_BACKOFF_BASE_SEC"`
	BackoffMaxSec      int `yaml:"backoff_max_sec" env:"SYNCCORE_BACKOFF_MAX_SEC"`
	RefreshIntervalSec int `yaml:"refresh_interval_sec" env:"SYNCCORE_REFRESH_INTERVAL_SEC"`
	// SyncIntervalSec, when positive, runs a full cycle periodically in
	// addition to connectivity-regain triggers. Zero disables it.
	SyncIntervalSec int `yaml:"sync_interval_sec" env:"SYNCCORE_SYNC_INTERVAL_SEC"`
	AssetMaxAgeDays int `yaml:"asset_max_age_days" env:"SYNCCORE_ASSET_MAX_AGE_DAYS"`
}

// NetworkConfig tunes reachability probing and debouncing.
type NetworkConfig struct {
	DebounceMs       int    `yaml:"debounce_ms" env:"SYNCCORE_DEBOUNCE_MS"`
	ProbeURL         string `yaml:"probe_url" env:"SYNCCORE_PROBE_URL"`
	ProbeIntervalSec int    `yaml:"probe_interval_sec" env:"SYNCCORE_PROBE_INTERVAL_SEC"`
	ProbeTimeoutSec  int    `yaml:"probe_timeout_sec" env:"SYNCCORE_PROBE_TIMEOUT_SEC"`
}

// TransportConfig points the uploader at the remote queue API.
type TransportConfig struct {
	BaseURL    string `yaml:"base_url" env:"SYNCCORE_BASE_URL"`
	TimeoutSec int    `yaml:"timeout_sec" env:"SYNCCORE_UPLOAD_TIMEOUT_SEC"`
	AuthToken  string `yaml:"auth_token" env:"SYNCCORE_AUTH_TOKEN"`
}

// LoadConfig reads config from the provided path, then applies environment
// overrides. When the file does not exist it writes a template and returns
// ErrConfigMissing to prompt the user to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sync config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".synccore")
		}
	}
	if c.Queue.AttemptCeiling == 0 {
		c.Queue.AttemptCeiling = defaultAttemptCeiling
	}
	if c.Sync.BackoffBaseSec == 0 {
		c.Sync.BackoffBaseSec = defaultBackoffBaseSec
	}
	if c.Sync.BackoffMaxSec == 0 {
		c.Sync.BackoffMaxSec = defaultBackoffMaxSec
	}
	if c.Sync.RefreshIntervalSec == 0 {
		c.Sync.RefreshIntervalSec = defaultRefreshSec
	}
	if c.Sync.AssetMaxAgeDays == 0 {
		c.Sync.AssetMaxAgeDays = defaultAssetMaxAgeDays
	}
	if c.Network.DebounceMs == 0 {
		c.Network.DebounceMs = defaultDebounceMs
	}
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = defaultProbeURL
	}
	if c.Network.ProbeIntervalSec == 0 {
		c.Network.ProbeIntervalSec = defaultProbeIntervalSec
	}
	if c.Network.ProbeTimeoutSec == 0 {
		c.Network.ProbeTimeoutSec = defaultProbeTimeoutSec
	}
	if c.Transport.TimeoutSec == 0 {
		c.Transport.TimeoutSec = defaultUploadTimeoutSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.DataDir == "" {
		issues = append(issues, "data_dir must be set")
	}
	if c.Queue.AttemptCeiling <= 0 {
		issues = append(issues, "queue.attempt_ceiling must be > 0")
	}
	if c.Sync.BackoffBaseSec <= 0 {
		issues = append(issues, "sync.backoff_base_sec must be > 0")
	}
	if c.Sync.BackoffMaxSec < c.Sync.BackoffBaseSec {
		issues = append(issues, "sync.backoff_max_sec must be >= sync.backoff_base_sec")
	}
	if c.Sync.RefreshIntervalSec <= 0 {
		issues = append(issues, "sync.refresh_interval_sec must be > 0")
	}
	if c.Sync.SyncIntervalSec < 0 {
		issues = append(issues, "sync.sync_interval_sec must be >= 0")
	}
	if c.Sync.AssetMaxAgeDays <= 0 {
		issues = append(issues, "sync.asset_max_age_days must be > 0")
	}
	if c.Network.DebounceMs <= 0 {
		issues = append(issues, "network.debounce_ms must be > 0")
	}
	if c.Network.ProbeIntervalSec <= 0 {
		issues = append(issues, "network.probe_interval_sec must be > 0")
	}
	if c.Network.ProbeTimeoutSec <= 0 {
		issues = append(issues, "network.probe_timeout_sec must be > 0")
	}
	if c.Transport.BaseURL == "" {
		issues = append(issues, "transport.base_url must be set")
	}
	if c.Transport.TimeoutSec <= 0 {
		issues = append(issues, "transport.timeout_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# synccore daemon configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("# data_dir: \n")
	tpl.WriteString("queue:\n")
	tpl.WriteString("  attempt_ceiling: 5\n")
	tpl.WriteString("sync:\n")
	tpl.WriteString("  backoff_base_sec: 5\n")
	tpl.WriteString("  backoff_max_sec: 300\n")
	tpl.WriteString("  refresh_interval_sec: 30\n")
	tpl.WriteString("  sync_interval_sec: 0\n")
	tpl.WriteString("  asset_max_age_days: 7\n")
	tpl.WriteString("network:\n")
	tpl.WriteString("  debounce_ms: 300\n")
	tpl.WriteString("  probe_url: https://connectivity.harborapp.dev/generate_204\n")
	tpl.WriteString("  probe_interval_sec: 15\n")
	tpl.WriteString("  probe_timeout_sec: 5\n")
	tpl.WriteString("transport:\n")
	tpl.WriteString("  base_url: https://api.harborapp.dev\n")
	tpl.WriteString("  timeout_sec: 15\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
