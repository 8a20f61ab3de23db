package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/mamori/internal/logging"
)

// Config is the top-level engine configuration
type Config struct {
	LogLevel string `yaml:"log_level"`

	Incident IncidentConfig    `yaml:"incident"`
	Deadline DeadlineConfig    `yaml:"deadline"`
	Vault    VaultConfig       `yaml:"vault"`
	Storage  StorageConfig     `yaml:"storage"`
	Ops      OpsConfig         `yaml:"ops"`
	Logging  logging.LogConfig `yaml:"logging"`
}

// IncidentConfig controls incident creation and notification rules
type IncidentConfig struct {
	// NotificationWindow is the statutory window between detection and the
	// regulator-notification deadline (LGPD/GDPR-style 72h clock).
	NotificationWindow time.Duration `yaml:"notification_window"`

	// HighRiskSubjectThreshold forces incident creation when an anomaly
	// affects more than this many data subjects.
	HighRiskSubjectThreshold uint64 `yaml:"high_risk_subject_threshold"`
}

// DeadlineConfig controls the deadline monitor
type DeadlineConfig struct {
	ScanInterval  time.Duration `yaml:"scan_interval"`
	WarningWindow time.Duration `yaml:"warning_window"`
}

// VaultConfig controls the encryption key vault
type VaultConfig struct {
	// MasterSecretEnv names the environment variable holding the master
	// secret. The secret itself is never written to the config file.
	MasterSecretEnv string `yaml:"master_secret_env"`

	// KeyRetention is how many key versions a purge keeps available for
	// decryption.
	KeyRetention int `yaml:"key_retention"`
}

// StorageConfig selects the incident/audit repository backend
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite3 or postgres
	DSN    string `yaml:"dsn"`
}

// OpsConfig controls the operational HTTP endpoint (metrics, health)
type OpsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to a YAML file
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Incident.NotificationWindow == 0 {
		c.Incident.NotificationWindow = 72 * time.Hour
	}
	if c.Incident.HighRiskSubjectThreshold == 0 {
		c.Incident.HighRiskSubjectThreshold = 100
	}
	if c.Deadline.ScanInterval == 0 {
		c.Deadline.ScanInterval = 30 * time.Minute
	}
	if c.Deadline.WarningWindow == 0 {
		c.Deadline.WarningWindow = 24 * time.Hour
	}
	if c.Vault.MasterSecretEnv == "" {
		c.Vault.MasterSecretEnv = "MAMORI_MASTER_SECRET"
	}
	if c.Vault.KeyRetention == 0 {
		c.Vault.KeyRetention = 2
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = c.LogLevel
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "console"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 7
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Incident.NotificationWindow <= 0 {
		return fmt.Errorf("incident.notification_window must be positive")
	}
	if c.Deadline.ScanInterval <= 0 {
		return fmt.Errorf("deadline.scan_interval must be positive")
	}
	if c.Deadline.WarningWindow <= 0 {
		return fmt.Errorf("deadline.warning_window must be positive")
	}
	if c.Deadline.WarningWindow >= c.Incident.NotificationWindow {
		return fmt.Errorf("deadline.warning_window must be shorter than incident.notification_window")
	}
	if c.Vault.KeyRetention < 1 {
		return fmt.Errorf("vault.key_retention must be at least 1")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	return nil
}

// Default returns the default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
