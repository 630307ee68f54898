package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override (ACCIDENT_STORE_DRIVER, ...).
const EnvPrefix = "ACCIDENT"

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Source   SourceConfig   `yaml:"source" mapstructure:"source"`
	Geocoder GeocoderConfig `yaml:"geocoder" mapstructure:"geocoder"`
	Loader   LoaderConfig   `yaml:"loader" mapstructure:"loader"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SourceConfig configures the archive download.
type SourceConfig struct {
	ManifestURL  string  `yaml:"manifest_url" mapstructure:"manifest_url"`
	BaseDir      string  `yaml:"base_dir" mapstructure:"base_dir"`
	Charset      string  `yaml:"charset" mapstructure:"charset"`
	FilePattern  string  `yaml:"file_pattern" mapstructure:"file_pattern"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
	KeepStaging  bool    `yaml:"keep_staging" mapstructure:"keep_staging"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`

	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// GeocoderConfig configures the reverse-geocoding road-type lookup.
type GeocoderConfig struct {
	BaseURL               string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent             string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs           int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ConnectRetryDelaySecs int     `yaml:"connect_retry_delay_secs" mapstructure:"connect_retry_delay_secs"`
	ConnectMaxAttempts    int     `yaml:"connect_max_attempts" mapstructure:"connect_max_attempts"`
	StatusRetryDelaySecs  int     `yaml:"status_retry_delay_secs" mapstructure:"status_retry_delay_secs"`
	RulesFile             string  `yaml:"rules_file" mapstructure:"rules_file"`
	// CircuitThreshold is the number of consecutive lookups that ended in
	// road_type_not_found before the breaker opens for CircuitResetSecs.
	// Zero disables the breaker.
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// LoaderConfig configures the incremental loader.
type LoaderConfig struct {
	Workers       int `yaml:"workers" mapstructure:"workers"`
	ProgressEvery int `yaml:"progress_every" mapstructure:"progress_every"`
	// CircuitWaits is how many geocoder cooldowns in a row a run sits out
	// before it fails.
	CircuitWaits int `yaml:"circuit_waits" mapstructure:"circuit_waits"`
}

// MonitorConfig configures the status server and run alerts.
type MonitorConfig struct {
	Addr                 string  `yaml:"addr" mapstructure:"addr"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	SkipRateThreshold    float64 `yaml:"skip_rate_threshold" mapstructure:"skip_rate_threshold"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from .env, file and environment, in increasing
// precedence after the defaults. An empty path looks for an optional
// config.yaml in the working directory; a named file must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "accidents.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("source.manifest_url", "https://www.opengeodata.nrw.de/produkte/transport_verkehr/unfallatlas")
	v.SetDefault("source.base_dir", "data")
	v.SetDefault("source.charset", "utf-8")
	v.SetDefault("source.file_pattern", `^Unfallorte.*CSV\.zip$`)
	v.SetDefault("source.concurrency", 2)
	v.SetDefault("source.keep_staging", false)
	v.SetDefault("source.user_agent", "accident-etl/1.0")
	v.SetDefault("source.timeout_secs", 300)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.rate_limit_rps", 20)
	v.SetDefault("source.retry_initial_backoff_ms", 1000)
	v.SetDefault("source.retry_max_backoff_ms", 30000)
	v.SetDefault("geocoder.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "accident-etl/1.0")
	v.SetDefault("geocoder.rate_limit_rps", 1)
	v.SetDefault("geocoder.timeout_secs", 30)
	v.SetDefault("geocoder.connect_retry_delay_secs", 100)
	v.SetDefault("geocoder.connect_max_attempts", 36)
	v.SetDefault("geocoder.status_retry_delay_secs", 60)
	v.SetDefault("geocoder.circuit_threshold", 0)
	v.SetDefault("geocoder.circuit_reset_secs", 900)
	v.SetDefault("loader.workers", 1)
	v.SetDefault("loader.progress_every", 500)
	v.SetDefault("loader.circuit_waits", 3)
	v.SetDefault("monitor.skip_rate_threshold", 0.25)
	v.SetDefault("monitor.failure_rate_threshold", 0.5)
	v.SetDefault("monitor.lookback_window_hours", 24)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "migrate",
// "status", "fetch", "load" and "backfill".
func (c *Config) Validate(mode string) error {
	var errs []string

	storeChecks := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	sourceChecks := func() {
		if c.Source.ManifestURL == "" {
			errs = append(errs, "source.manifest_url is required")
		}
		if c.Source.BaseDir == "" {
			errs = append(errs, "source.base_dir is required")
		}
		if c.Source.Concurrency < 1 || c.Source.Concurrency > 16 {
			errs = append(errs, "source.concurrency must be between 1 and 16")
		}
	}

	switch mode {
	case "migrate", "status":
		storeChecks()
	case "fetch":
		sourceChecks()
	case "load":
		storeChecks()
		sourceChecks()
		if c.Geocoder.BaseURL == "" {
			errs = append(errs, "geocoder.base_url is required")
		}
		if c.Geocoder.UserAgent == "" {
			errs = append(errs, "geocoder.user_agent is required")
		}
		if c.Geocoder.ConnectMaxAttempts < 1 {
			errs = append(errs, "geocoder.connect_max_attempts must be >= 1")
		}
		if c.Geocoder.CircuitThreshold < 0 {
			errs = append(errs, "geocoder.circuit_threshold must be >= 0")
		}
		if c.Loader.Workers < 1 || c.Loader.Workers > 32 {
			errs = append(errs, "loader.workers must be between 1 and 32")
		}
		if c.Loader.ProgressEvery < 1 {
			errs = append(errs, "loader.progress_every must be >= 1")
		}
		if c.Loader.CircuitWaits < 1 {
			errs = append(errs, "loader.circuit_waits must be >= 1")
		}
	case "backfill":
		storeChecks()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Monitor.SkipRateThreshold < 0 || c.Monitor.SkipRateThreshold > 1 {
		errs = append(errs, "monitor.skip_rate_threshold must be between 0 and 1")
	}
	if c.Monitor.FailureRateThreshold < 0 || c.Monitor.FailureRateThreshold > 1 {
		errs = append(errs, "monitor.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
