// Package config provides configuration management for the application.
//
// Values are layered: built-in defaults, then an optional config.yaml (with
// ${VAR} and ${VAR:-default} placeholders expanded), then COINWATCH_*
// environment variables. A .env file in the working directory is loaded into
// the environment first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COINWATCH_POLL_INTERVAL.
const EnvPrefix = "COINWATCH"

// Config holds the application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Poll      PollConfig      `mapstructure:"poll"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Intercept InterceptConfig `mapstructure:"intercept"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Prefs     PrefsConfig     `mapstructure:"prefs"`
}

// APIConfig points at the market data API.
type APIConfig struct {
	BaseURL               string        `mapstructure:"base_url" validate:"required,url"`
	Timeout               time.Duration `mapstructure:"timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// RetryConfig configures the retry executor.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PollConfig configures the poll scheduler.
type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BackoffFloor time.Duration `mapstructure:"backoff_floor"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap" validate:"gtefield=BackoffFloor"`
	TickTimeout  time.Duration `mapstructure:"tick_timeout"`
}

// CacheConfig configures the session tier.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend           string        `mapstructure:"backend" validate:"oneof=memory redis"`
	MaxEntries        int           `mapstructure:"max_entries" validate:"gte=0"`
	RedisURL          string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix       string        `mapstructure:"redis_prefix"`
	RedisTTL          time.Duration `mapstructure:"redis_ttl"`
	CoalesceInflight  bool          `mapstructure:"coalesce_inflight"`
	RevalidateTimeout time.Duration `mapstructure:"revalidate_timeout"`
}

// InterceptConfig configures the persistent interception tier and the
// interceptd daemon.
type InterceptConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path" validate:"required_if=Enabled true"`
	DataOrigins   []string      `mapstructure:"data_origins"`
	StaticOrigins []string      `mapstructure:"static_origins"`
	DataTTL       time.Duration `mapstructure:"data_ttl"`
	Generation    string        `mapstructure:"generation"`
	Precache      []string      `mapstructure:"precache"`

	// Listen is the interceptd address.
	Listen string `mapstructure:"listen"`
	// Upstreams maps a route name to an origin, served under /o/{name}/.
	Upstreams map[string]string `mapstructure:"upstreams"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen is used by the dashboard only; interceptd serves metrics on its
	// own listener.
	Listen   string `mapstructure:"listen"`
	Endpoint string `mapstructure:"endpoint" validate:"startswith=/"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=pretty json"`
}

// PrefsConfig locates the preferences file.
type PrefsConfig struct {
	Path string `mapstructure:"path"`
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".coinwatch/prefs.json"
	}
	return filepath.Join(dir, "coinwatch", "prefs.json")
}

func defaultInterceptPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".coinwatch/intercept.db"
	}
	return filepath.Join(dir, "coinwatch", "intercept.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.response_header_timeout", 10*time.Second)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 0)

	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.backoff_floor", 10*time.Second)
	v.SetDefault("poll.backoff_cap", 120*time.Second)
	v.SetDefault("poll.tick_timeout", 60*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 512)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.redis_prefix", "coinwatch:session:")
	v.SetDefault("cache.redis_ttl", 6*time.Hour)
	v.SetDefault("cache.coalesce_inflight", true)
	v.SetDefault("cache.revalidate_timeout", 30*time.Second)

	v.SetDefault("intercept.enabled", true)
	v.SetDefault("intercept.path", defaultInterceptPath())
	v.SetDefault("intercept.data_origins", []string{"https://api.coingecko.com"})
	v.SetDefault("intercept.static_origins", []string{})
	v.SetDefault("intercept.data_ttl", 2*time.Minute)
	v.SetDefault("intercept.generation", "v1")
	v.SetDefault("intercept.precache", []string{})
	v.SetDefault("intercept.listen", ":8090")
	v.SetDefault("intercept.upstreams", map[string]string{"coingecko": "https://api.coingecko.com"})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "pretty")

	v.SetDefault("prefs.path", defaultPrefsPath())
}

// Load reads configuration from defaults, config.yaml and the environment.
func Load() (*Config, error) {
	// Optional; a missing .env is not an error. Existing env vars win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := findConfigFile(); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(raw))))); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Intercept.DataOrigins = splitList(cfg.Intercept.DataOrigins)
	cfg.Intercept.StaticOrigins = splitList(cfg.Intercept.StaticOrigins)
	cfg.Intercept.Precache = splitList(cfg.Intercept.Precache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile returns the first config.yaml found in . or ./config.
func findConfigFile() string {
	for _, p := range []string{"config.yaml", filepath.Join("config", "config.yaml")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their config key, e.g. cache.redis_url.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return v
}

// Validate enforces ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Errorf("%s: failed %q validation (value %v)", configKey(fe.Namespace()), fe.ActualTag(), fe.Value()))
		}
	}

	// Duration floors are checked by hand: tag parameters are plain numbers.
	if c.Poll.Interval < time.Second {
		errs = append(errs, errors.New("poll.interval must be at least 1s"))
	}
	if c.Poll.BackoffFloor <= 0 {
		errs = append(errs, errors.New("poll.backoff_floor must be positive"))
	}
	if c.Intercept.Enabled && c.Intercept.DataTTL <= 0 {
		errs = append(errs, errors.New("intercept.data_ttl must be positive"))
	}

	return errors.Join(errs...)
}

// configKey turns a validator namespace such as Config.cache.redis_url into
// the config key cache.redis_url.
func configKey(namespace string) string {
	_, key, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return key
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} with the value of VAR and ${VAR:-default}
// with VAR or default when VAR is unset or empty. Placeholders without a
// default whose variable is unset or empty are left as-is.
func expandString(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return m
	})
}

// splitList flattens comma-separated entries, which is how lists arrive from
// environment variables.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
