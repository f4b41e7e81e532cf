package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cdcw/intake/internal/validation"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains local API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains the station database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig describes the remote ledger endpoint.
type LedgerConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig controls when the queue drains.
type SyncConfig struct {
	Interval          Duration `yaml:"interval"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	MirrorReplaceCard bool     `yaml:"mirror_replace_card"`
}

// AuthConfig contains local API authentication settings. An empty key
// disables authentication, which suits a kiosk bound to localhost.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("INTAKE_CONFIG_PATH", "config/intake.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/intake.db",
		},
		Ledger: LedgerConfig{
			Timeout: Duration(20 * time.Second),
		},
		Sync: SyncConfig{
			Interval:          Duration(time.Minute),
			BackoffBase:       Duration(30 * time.Second),
			BackoffCap:        Duration(30 * time.Minute),
			MirrorReplaceCard: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("INTAKE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("INTAKE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("INTAKE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("INTAKE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("INTAKE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Ledger
	if v := os.Getenv("INTAKE_LEDGER_URL"); v != "" {
		cfg.Ledger.URL = v
	}
	if v := os.Getenv("INTAKE_LEDGER_TOKEN"); v != "" {
		cfg.Ledger.Token = v
	}
	envDuration("INTAKE_LEDGER_TIMEOUT", &cfg.Ledger.Timeout)

	// Sync
	envDuration("INTAKE_SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("INTAKE_BACKOFF_BASE", &cfg.Sync.BackoffBase)
	envDuration("INTAKE_BACKOFF_CAP", &cfg.Sync.BackoffCap)
	if v := os.Getenv("INTAKE_MIRROR_REPLACE_CARD"); v != "" {
		cfg.Sync.MirrorReplaceCard = v == "true" || v == "1"
	}

	// Auth
	if v := os.Getenv("INTAKE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("INTAKE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("INTAKE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate reports every invalid field at once.
func (c *Config) validate() error {
	var errs validation.Collector

	errs.Add(validation.ValidateRequired("ledger.url", c.Ledger.URL))
	if c.Ledger.URL != "" {
		if u, err := url.Parse(c.Ledger.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Add(&validation.ValidationError{Field: "ledger.url", Message: "must be an absolute http(s) URL"})
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add(&validation.ValidationError{Field: "server.port", Message: "must be between 1 and 65535"})
	}
	for _, d := range []struct {
		field string
		value Duration
	}{
		{"ledger.timeout", c.Ledger.Timeout},
		{"sync.interval", c.Sync.Interval},
		{"sync.backoff_base", c.Sync.BackoffBase},
		{"sync.backoff_cap", c.Sync.BackoffCap},
	} {
		if d.value <= 0 {
			errs.Add(&validation.ValidationError{Field: d.field, Message: "must be positive"})
		}
	}
	if c.Sync.BackoffCap > 0 && c.Sync.BackoffCap < c.Sync.BackoffBase {
		errs.Add(&validation.ValidationError{Field: "sync.backoff_cap", Message: "must not be below sync.backoff_base"})
	}
	errs.Add(validation.ValidateEnum("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"}))
	errs.Add(validation.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"}))

	if err := errs.Err(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
