package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufkey/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("PUFKEY_DATA_DIR", "/var/lib/pufkey-test")
	cfg := DefaultConfig()

	assert.Equal(t, 400*time.Millisecond, cfg.PUF.HoldTime())
	assert.Equal(t, uint32(96_000_000), cfg.PUF.ClockHz)
	assert.Equal(t, "random", cfg.PUF.NonceSource)
	assert.Equal(t, 30*time.Second, cfg.PUF.Timeout())
	assert.Equal(t, "/var/lib/pufkey-test/puf_seed", cfg.Fingerprint.SeedPath)
	assert.Equal(t, "/var/lib/pufkey-test/enrollments", cfg.Fingerprint.LedgerDir)
	assert.Equal(t, "/var/lib/pufkey-test/pufkey.db", cfg.Store.Path)
	assert.NoError(t, cfg.Validate())
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	assert.True(t, strings.HasSuffix(path, "config.toml"))
	assert.Contains(t, path, "pufkey")
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 400, cfg.PUF.HoldTimeMs)
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"config.toml": `
version = 1

[puf]
hold_time_ms = 500
clock_hz = 48000000
nonce_source = "counter"

[store]
backend = "s3"

[store.s3]
bucket = "provisioning"
region = "eu-west-1"
`,
		"config.json": `{
  "puf": {"hold_time_ms": 500, "clock_hz": 48000000, "nonce_source": "counter"},
  "store": {"backend": "s3", "s3": {"bucket": "provisioning", "region": "eu-west-1"}}
}`,
		"config.yaml": `
puf:
  hold_time_ms: 500
  clock_hz: 48000000
  nonce_source: counter
store:
  backend: s3
  s3:
    bucket: provisioning
    region: eu-west-1
`,
		"config": `
[puf]
hold_time_ms = 500
clock_hz = 48000000
nonce_source = "counter"
[store]
backend = "s3"
[store.s3]
bucket = "provisioning"
region = "eu-west-1"
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 500*time.Millisecond, cfg.PUF.HoldTime())
			assert.Equal(t, uint32(48_000_000), cfg.PUF.ClockHz)
			assert.Equal(t, "counter", cfg.PUF.NonceSource)
			assert.Equal(t, "s3", cfg.Store.Backend)
			assert.Equal(t, "provisioning", cfg.Store.S3.Bucket)
			assert.Equal(t, "eu-west-1", cfg.Store.S3.Region)
			assert.Equal(t, "seed", cfg.Fingerprint.Source, "unset fields keep defaults")
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[puf\nhold_time_ms = "), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[puf]
hold_time_ms = 100
clock_hz = 200000000
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{"puf.hold_time_ms", "puf.clock_hz"}, verrs.Fields())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 2 }, "version"},
		{"nonce source", func(c *Config) { c.PUF.NonceSource = "fixed" }, "puf.nonce_source"},
		{"timeout", func(c *Config) { c.PUF.TimeoutSec = -1 }, "puf.timeout_sec"},
		{"fingerprint source", func(c *Config) { c.Fingerprint.Source = "sram" }, "fingerprint.source"},
		{"seed path", func(c *Config) { c.Fingerprint.SeedPath = "" }, "fingerprint.seed_path"},
		{"backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"sqlite path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"s3 bucket", func(c *Config) { c.Store.Backend = "s3" }, "store.s3.bucket"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"log size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.TextfilePath = "/tmp/m.txt" }, "metrics.textfile_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}

	cfg := DefaultConfig()
	cfg.Fingerprint.Source = "tpm"
	cfg.Fingerprint.SeedPath = ""
	assert.NoError(t, cfg.Validate(), "tpm needs no seed file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PUFKEY_HOLD_TIME_MS", "750")
	t.Setenv("PUFKEY_CLOCK_HZ", "150000000")
	t.Setenv("PUFKEY_NONCE_SOURCE", "counter")
	t.Setenv("PUFKEY_FINGERPRINT_SOURCE", "auto")
	t.Setenv("PUFKEY_STORE_BACKEND", "none")
	t.Setenv("PUFKEY_S3_BUCKET", "b")
	t.Setenv("PUFKEY_LOG_LEVEL", "debug")
	t.Setenv("PUFKEY_SEED_PATH", "/tmp/seed")
	t.Setenv("PUFKEY_LEDGER_DIR", "/tmp/ledger")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)

	assert.Equal(t, 750, cfg.PUF.HoldTimeMs)
	assert.Equal(t, uint32(150_000_000), cfg.PUF.ClockHz)
	assert.Equal(t, "counter", cfg.PUF.NonceSource)
	assert.Equal(t, "auto", cfg.Fingerprint.Source)
	assert.Equal(t, "/tmp/seed", cfg.Fingerprint.SeedPath)
	assert.Equal(t, "/tmp/ledger", cfg.Fingerprint.LedgerDir)
	assert.Equal(t, "none", cfg.Store.Backend)
	assert.Equal(t, "b", cfg.Store.S3.Bucket)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("PUFKEY_HOLD_TIME_MS", "soon")
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 400, cfg.PUF.HoldTimeMs)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			cfg := DefaultConfig()
			cfg.PUF.HoldTimeMs = 650
			cfg.Store.S3.Bucket = "codes"
			cfg.Logging.AuditPath = "/var/log/pufkey/audit.log"

			require.NoError(t, Save(cfg, path))
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.PUF, loaded.PUF)
			assert.Equal(t, cfg.Store, loaded.Store)
			assert.Equal(t, cfg.Logging, loaded.Logging)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 400, cfg.PUF.HoldTimeMs)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.PUF.HoldTimeMs = 1000
	assert.Equal(t, 400, cfg.PUF.HoldTimeMs)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Fingerprint.SeedPath = filepath.Join(dir, "a", "seed")
	cfg.Store.Path = filepath.Join(dir, "b", "pufkey.db")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "c", "pufkey.log")
	cfg.Logging.AuditPath = filepath.Join(dir, "d", "audit.log")
	cfg.Fingerprint.LedgerDir = filepath.Join(dir, "e")

	require.NoError(t, cfg.EnsureDirectories())
	for _, sub := range []string{"a", "b", "c", "d", "e"} {
		assert.DirExists(t, filepath.Join(dir, sub))
	}
}

func TestLoggingSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 7

	lc := cfg.LoggingSettings()
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(7), lc.MaxSize)
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Save(DefaultConfig(), path))

	l := NewLoader(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.debounce = 10 * time.Millisecond
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, l.Watch())
	defer l.Close()

	updated := DefaultConfig()
	updated.PUF.HoldTimeMs = 900
	require.NoError(t, Save(updated, path))

	select {
	case c := <-changed:
		assert.Equal(t, 900, c.PUF.HoldTimeMs)
		assert.Equal(t, 900, l.Config().PUF.HoldTimeMs)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}

	invalid := DefaultConfig()
	invalid.PUF.HoldTimeMs = 1
	require.NoError(t, Save(invalid, path))

	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("no error for invalid config")
	}
	assert.Equal(t, 900, l.Config().PUF.HoldTimeMs)
}
