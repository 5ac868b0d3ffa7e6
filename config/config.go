// Package config loads the runtime settings of the curd service from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-curd/cron"
	"github.com/goliatone/go-curd/store"
)

// ErrCodeInvalidConfig tags configuration validation failures.
const ErrCodeInvalidConfig = "INVALID_CONFIG"

type Config struct {
	Timezone  string          `yaml:"timezone"`
	Recipes   RecipesConfig   `yaml:"recipes"`
	Voice     VoiceConfig     `yaml:"voice"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Retention RetentionConfig `yaml:"retention"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RecipesConfig points at a directory of recipe files. Empty uses the
// recipes compiled into the binary.
type RecipesConfig struct {
	Dir string `yaml:"dir"`
}

type VoiceConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	AutoAdvance         bool    `yaml:"auto_advance"`
}

type AlertsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
}

type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Timezone: "Europe/Rome",
		Voice: VoiceConfig{
			ConfidenceThreshold: 0.6,
			AutoAdvance:         true,
		},
		Alerts: AlertsConfig{
			MaxAttempts:    3,
			AttemptTimeout: 5 * time.Second,
			BackoffBase:    200 * time.Millisecond,
		},
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "15 3 * * *",
		},
		Store: StoreConfig{
			Driver: store.DriverMemory,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Parse overlays data on the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryBadInput, "parse config").
			WithTextCode(ErrCodeInvalidConfig)
	}
	return cfg, cfg.Validate()
}

// Load reads path. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	problems := map[string]string{}

	if _, err := time.LoadLocation(c.Timezone); err != nil || strings.TrimSpace(c.Timezone) == "" {
		problems["timezone"] = fmt.Sprintf("unknown timezone %q", c.Timezone)
	}
	if t := c.Voice.ConfidenceThreshold; t < 0 || t > 1 {
		problems["voice.confidence_threshold"] = "must be within [0, 1]"
	}
	if c.Alerts.MaxAttempts < 1 {
		problems["alerts.max_attempts"] = "must be at least 1"
	}
	if c.Alerts.AttemptTimeout <= 0 {
		problems["alerts.attempt_timeout"] = "must be positive"
	}
	if c.Alerts.BackoffBase < 0 {
		problems["alerts.backoff_base"] = "must not be negative"
	}
	if c.Retention.Days < 1 {
		problems["retention.days"] = "must be at least 1"
	}
	if err := cron.Validate(c.Retention.Schedule); err != nil {
		problems["retention.schedule"] = err.Error()
	}
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres, store.DriverRedis:
		if strings.TrimSpace(c.Store.DSN) == "" {
			problems["store.dsn"] = fmt.Sprintf("required for driver %s", c.Store.Driver)
		}
	default:
		problems["store.driver"] = fmt.Sprintf("unknown driver %q", c.Store.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		problems["log.level"] = fmt.Sprintf("unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		problems["log.format"] = fmt.Sprintf("unknown format %q", c.Log.Format)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.NewValidationFromMap("invalid configuration", problems).
		WithTextCode(ErrCodeInvalidConfig)
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
