package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "accidents.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "data", cfg.Source.BaseDir)
	assert.Equal(t, `^Unfallorte.*CSV\.zip$`, cfg.Source.FilePattern)
	assert.Equal(t, 2, cfg.Source.Concurrency)
	assert.Equal(t, 1000, cfg.Source.RetryInitialBackoffMs)
	assert.Equal(t, 30000, cfg.Source.RetryMaxBackoffMs)
	assert.Equal(t, "https://nominatim.openstreetmap.org", cfg.Geocoder.BaseURL)
	assert.InDelta(t, 1.0, cfg.Geocoder.RateLimitRPS, 1e-9)
	assert.Equal(t, 100, cfg.Geocoder.ConnectRetryDelaySecs)
	assert.Equal(t, 36, cfg.Geocoder.ConnectMaxAttempts)
	assert.Equal(t, 60, cfg.Geocoder.StatusRetryDelaySecs)
	assert.Zero(t, cfg.Geocoder.CircuitThreshold)
	assert.Equal(t, 1, cfg.Loader.Workers)
	assert.Equal(t, 500, cfg.Loader.ProgressEvery)
	assert.Equal(t, 3, cfg.Loader.CircuitWaits)
	assert.Equal(t, 900, cfg.Geocoder.CircuitResetSecs)
	assert.Empty(t, cfg.Monitor.Addr)

	assert.NoError(t, cfg.Validate("load"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/accidents
log:
  level: debug
  format: console
geocoder:
  base_url: http://localhost:8088
  circuit_threshold: 5
loader:
  workers: 4
  circuit_waits: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/accidents", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "http://localhost:8088", cfg.Geocoder.BaseURL)
	assert.Equal(t, 5, cfg.Geocoder.CircuitThreshold)
	assert.Equal(t, 4, cfg.Loader.Workers)
	assert.Equal(t, 5, cfg.Loader.CircuitWaits)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.Loader.ProgressEvery)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ACCIDENT_STORE_DRIVER", "postgres")
	t.Setenv("ACCIDENT_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ACCIDENT_LOADER_WORKERS=3\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("ACCIDENT_LOADER_WORKERS") }) //nolint:errcheck

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Loader.Workers)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ACCIDENT_LOADER_PROGRESS_EVERY=10\n"), 0o644))
	t.Setenv("ACCIDENT_LOADER_PROGRESS_EVERY", "250")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Loader.ProgressEvery)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadExplicitFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loader:\n  workers: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Loader.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "a named config file is required")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "accidents.db"
	cfg.Source.ManifestURL = "https://example.org/unfallatlas"
	cfg.Source.BaseDir = "data"
	cfg.Source.Concurrency = 2
	cfg.Geocoder.BaseURL = "https://nominatim.example.org"
	cfg.Geocoder.UserAgent = "accident-etl/1.0"
	cfg.Geocoder.ConnectMaxAttempts = 36
	cfg.Loader.Workers = 1
	cfg.Loader.ProgressEvery = 500
	cfg.Loader.CircuitWaits = 3
	cfg.Monitor.SkipRateThreshold = 0.25
	cfg.Monitor.FailureRateThreshold = 0.5
	return cfg
}

func TestValidate_AllModesAcceptDefaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"migrate", "status", "fetch", "load", "backfill"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")

	// fetch never touches the store
	assert.NoError(t, cfg.Validate("fetch"))
}

func TestValidate_Load(t *testing.T) {
	cfg := validDefaults()
	cfg.Geocoder.BaseURL = ""
	cfg.Geocoder.ConnectMaxAttempts = 0
	cfg.Loader.Workers = 33
	cfg.Loader.ProgressEvery = 0
	cfg.Loader.CircuitWaits = 0

	err := cfg.Validate("load")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geocoder.base_url is required")
	assert.Contains(t, err.Error(), "connect_max_attempts must be >= 1")
	assert.Contains(t, err.Error(), "loader.workers must be between 1 and 32")
	assert.Contains(t, err.Error(), "progress_every must be >= 1")
	assert.Contains(t, err.Error(), "loader.circuit_waits must be >= 1")
}

func TestValidate_SourceConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Source.Concurrency = 0
	assert.ErrorContains(t, cfg.Validate("fetch"), "source.concurrency must be between 1 and 16")

	cfg.Source.Concurrency = 17
	assert.ErrorContains(t, cfg.Validate("fetch"), "source.concurrency must be between 1 and 16")

	cfg.Source.Concurrency = 16
	assert.NoError(t, cfg.Validate("fetch"))
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitor.SkipRateThreshold = 1.5
	assert.ErrorContains(t, cfg.Validate("status"), "skip_rate_threshold")

	cfg.Monitor.SkipRateThreshold = 0.2
	cfg.Monitor.FailureRateThreshold = -0.1
	assert.ErrorContains(t, cfg.Validate("status"), "failure_rate_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
