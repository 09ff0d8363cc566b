// Package config assembles process configuration from defaults, an optional
// JSON file, and HAL_* environment overrides (highest precedence). The
// provider slot list is fixed for the process lifetime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hal9999/hal/internal/domain"
)

// Per-provider defaults. Local virtualization keeps VMs warm much longer
// than metered cloud capacity.
const (
	DefaultMaxPoolSize    = 5
	DefaultLocalIdleTTL   = 1800 * time.Second
	DefaultCloudIdleTTL   = 300 * time.Second
	DefaultMinReady       = 0
	DefaultReconcileEvery = 60 * time.Second
)

// SSHConfig is how the orchestrator reaches agent VMs.
type SSHConfig struct {
	User    string `json:"user"`
	KeyPath string `json:"key_path"`
}

// DaemonConfig holds daemon-mode settings.
type DaemonConfig struct {
	MetricsAddr       string        `json:"metrics_addr"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
}

// LoggingConfig selects operational log format and level.
type LoggingConfig struct {
	Format string `json:"format"` // text | json
	Level  string `json:"level"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// Config is the central configuration struct.
type Config struct {
	DataDir      string          `json:"data_dir"`
	Slots        []domain.Slot   `json:"slots"`
	SSH          SSHConfig       `json:"ssh"`
	AgentCatalog string          `json:"agent_catalog"`
	DefaultAgent string          `json:"default_agent"`
	Daemon       DaemonConfig    `json:"daemon"`
	Logging      LoggingConfig   `json:"logging"`
	Telemetry    TelemetryConfig `json:"telemetry"`
}

// DBPath returns the embedded database location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "hal9999.db") }

// LogsDir returns the per-task log directory.
func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// EventsDir returns the per-task event stream directory.
func (c *Config) EventsDir() string { return filepath.Join(c.DataDir, "events") }

// PlansDir returns the plan artifact directory.
func (c *Config) PlansDir() string { return filepath.Join(c.DataDir, "plans") }

// Slot returns the named slot, or nil.
func (c *Config) Slot(name string) *domain.Slot {
	for i := range c.Slots {
		if c.Slots[i].Name == name {
			return &c.Slots[i]
		}
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults. The slot list is
// empty until LoadFromEnv populates it from HAL_PROVIDERS.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:      filepath.Join(home, ".hal", "data"),
		SSH:          SSHConfig{User: "admin"},
		DefaultAgent: "claude",
		Daemon: DaemonConfig{
			ReconcileInterval: DefaultReconcileEvery,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies HAL_* environment overrides and builds the slot list
// from HAL_PROVIDERS (comma-separated, ordered by priority).
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("HAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HAL_SSH_USER"); v != "" {
		cfg.SSH.User = v
	}
	if v := os.Getenv("HAL_SSH_KEY_PATH"); v != "" {
		cfg.SSH.KeyPath = v
	}
	if v := os.Getenv("HAL_AGENT_CATALOG"); v != "" {
		cfg.AgentCatalog = v
	}
	if v := os.Getenv("HAL_DEFAULT_AGENT"); v != "" {
		cfg.DefaultAgent = v
	}
	if v := os.Getenv("HAL_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("HAL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("HAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HAL_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}

	if providers := os.Getenv("HAL_PROVIDERS"); providers != "" {
		slots, err := slotsFromEnv(providers)
		if err != nil {
			return err
		}
		cfg.Slots = slots
	}
	return nil
}

// localProviders are virtualization backends running on the operator's own
// machine, which get the long idle TTL.
var localProviders = map[string]bool{"tart": true}

func slotsFromEnv(providers string) ([]domain.Slot, error) {
	var slots []domain.Slot
	for i, name := range strings.Split(providers, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := "HAL_" + strings.ToUpper(name) + "_"

		slot := domain.Slot{
			Name:        name,
			Provider:    name,
			Priority:    i,
			MaxPoolSize: DefaultMaxPoolSize,
			MinReady:    DefaultMinReady,
			IdleTimeout: DefaultCloudIdleTTL,
		}
		if localProviders[name] {
			slot.IdleTimeout = DefaultLocalIdleTTL
		}

		slot.SnapshotID = os.Getenv(prefix + "SNAPSHOT_ID")
		if slot.SnapshotID == "" {
			return nil, fmt.Errorf("%sSNAPSHOT_ID is required for provider %q", prefix, name)
		}
		slot.Region = os.Getenv(prefix + "REGION")
		slot.Plan = os.Getenv(prefix + "PLAN")
		if v := os.Getenv(prefix + "MAX_POOL_SIZE"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid %sMAX_POOL_SIZE %q", prefix, v)
			}
			slot.MaxPoolSize = n
		}
		if v := os.Getenv(prefix + "IDLE_TIMEOUT_S"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid %sIDLE_TIMEOUT_S %q", prefix, v)
			}
			slot.IdleTimeout = time.Duration(n) * time.Second
		}
		if v := os.Getenv(prefix + "MIN_READY"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid %sMIN_READY %q", prefix, v)
			}
			slot.MinReady = n
		}
		if v := os.Getenv("HAL_SSH_KEY_ID"); v != "" {
			slot.SSHKeyIDs = []string{v}
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("HAL_PROVIDERS is set but names no providers")
	}
	return slots, nil
}
