// Package config handles configuration loading, validation, and management for pufkey.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pufkey/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete pufkey configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// PUF lifecycle timing.
	PUF PUFConfig `toml:"puf" json:"puf" yaml:"puf"`

	// Fingerprint selects the device-unique entropy source.
	Fingerprint FingerprintConfig `toml:"fingerprint" json:"fingerprint" yaml:"fingerprint"`

	// Store configures where activation codes and key codes are kept.
	Store StoreConfig `toml:"store" json:"store" yaml:"store"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// PUFConfig holds engine timing parameters.
type PUFConfig struct {
	// HoldTimeMs is the SRAM discharge interval respected between
	// deinitialize and the next initialize.
	HoldTimeMs int `toml:"hold_time_ms" json:"hold_time_ms" yaml:"hold_time_ms"`

	// ClockHz is the system clock frequency handed to the engine.
	ClockHz uint32 `toml:"clock_hz" json:"clock_hz" yaml:"clock_hz"`

	// NonceSource is "random" or "counter".
	NonceSource string `toml:"nonce_source" json:"nonce_source" yaml:"nonce_source"`

	// TimeoutSec bounds a whole lifecycle cycle. 0 disables the watchdog.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// HoldTime returns HoldTimeMs as a duration.
func (p PUFConfig) HoldTime() time.Duration {
	return time.Duration(p.HoldTimeMs) * time.Millisecond
}

// Timeout returns TimeoutSec as a duration.
func (p PUFConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// FingerprintConfig selects the fingerprint source.
type FingerprintConfig struct {
	// Source is "seed", "tpm" or "auto".
	Source string `toml:"source" json:"source" yaml:"source"`

	// SeedPath is the software fingerprint seed file.
	SeedPath string `toml:"seed_path" json:"seed_path" yaml:"seed_path"`

	// LedgerDir records each device's latest enrollment so superseded
	// activation codes stay rejected across runs. Empty disables it.
	LedgerDir string `toml:"ledger_dir" json:"ledger_dir" yaml:"ledger_dir"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// Backend is "sqlite", "s3" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// S3 backend settings.
	S3 S3Config `toml:"s3" json:"s3" yaml:"s3"`
}

// S3Config holds S3 backend settings. Credentials come from the standard
// AWS credential chain, never from this file.
type S3Config struct {
	Bucket       string `toml:"bucket" json:"bucket" yaml:"bucket"`
	Prefix       string `toml:"prefix" json:"prefix" yaml:"prefix"`
	Region       string `toml:"region" json:"region" yaml:"region"`
	Endpoint     string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style" json:"use_path_style" yaml:"use_path_style"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the audit trail file. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TextfilePath receives the metrics in text exposition format after
	// each command, for node_exporter's textfile collector.
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		PUF: PUFConfig{
			HoldTimeMs:  400,
			ClockHz:     96_000_000,
			NonceSource: "random",
			TimeoutSec:  30,
		},
		Fingerprint: FingerprintConfig{
			Source:   "seed",
			SeedPath:  filepath.Join(dir, "puf_seed"),
			LedgerDir: filepath.Join(dir, "enrollments"),
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          filepath.Join(dir, "pufkey.db"),
			BusyTimeoutMs: 5000,
			S3: S3Config{
				Prefix: "pufkey/",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "pufkey.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory, honoring PUFKEY_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("PUFKEY_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path, applies environment overrides
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var dirs []string
	if c.Fingerprint.Source != "tpm" {
		dirs = append(dirs, filepath.Dir(c.Fingerprint.SeedPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Store.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	if c.Fingerprint.LedgerDir != "" {
		dirs = append(dirs, c.Fingerprint.LedgerDir)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PUFKEY_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := envInt("PUFKEY_HOLD_TIME_MS"); ok {
		c.PUF.HoldTimeMs = v
	}
	if v, ok := envInt("PUFKEY_CLOCK_HZ"); ok && v >= 0 {
		c.PUF.ClockHz = uint32(v)
	}
	if v := os.Getenv("PUFKEY_NONCE_SOURCE"); v != "" {
		c.PUF.NonceSource = v
	}
	if v := os.Getenv("PUFKEY_FINGERPRINT_SOURCE"); v != "" {
		c.Fingerprint.Source = v
	}
	if v := os.Getenv("PUFKEY_SEED_PATH"); v != "" {
		c.Fingerprint.SeedPath = v
	}
	if v := os.Getenv("PUFKEY_LEDGER_DIR"); v != "" {
		c.Fingerprint.LedgerDir = v
	}
	if v := os.Getenv("PUFKEY_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("PUFKEY_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("PUFKEY_S3_BUCKET"); v != "" {
		c.Store.S3.Bucket = v
	}
	if v := os.Getenv("PUFKEY_S3_ENDPOINT"); v != "" {
		c.Store.S3.Endpoint = v
	}
	if v := os.Getenv("PUFKEY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PUFKEY_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:     c.Version,
		PUF:         c.PUF,
		Fingerprint: c.Fingerprint,
		Store:       c.Store,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
	}
}

// Save writes cfg to path in the format implied by its extension
// (TOML by default) with owner-only permissions.
func Save(cfg *Config, path string) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# pufkey configuration\n\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoggingSettings converts the logging section into a logging.Config.
func (c *Config) LoggingSettings() *logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = f
	}
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc
}
