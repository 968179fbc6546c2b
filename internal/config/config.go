// Package config loads the abkit configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "ABKIT_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "abkit.yaml"

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is the main configuration structure for abkit.
type Config struct {
	Version     int               `yaml:"version"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects where engine state is persisted.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`
	Codec  string `yaml:"codec"` // json | msgpack
	Table  string `yaml:"table"`

	// SaveRetries is the number of attempts per state save.
	SaveRetries int `yaml:"save_retries"`
}

// ExperimentsConfig holds defaults for definitions that leave decision
// parameters unset.
type ExperimentsConfig struct {
	DefaultSampleSize      int     `yaml:"default_sample_size"`
	DefaultMinRunDays      int     `yaml:"default_min_run_days"`
	DefaultConfidenceLevel float64 `yaml:"default_confidence_level"`
}

type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Path returns the config file path from the environment or the default.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "abkit.db"
	}
	if cfg.Storage.Codec == "" {
		cfg.Storage.Codec = "json"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "ab_state"
	}
	if cfg.Storage.SaveRetries == 0 {
		cfg.Storage.SaveRetries = 3
	}
	if cfg.Experiments.DefaultSampleSize == 0 {
		cfg.Experiments.DefaultSampleSize = 100
	}
	if cfg.Experiments.DefaultMinRunDays == 0 {
		cfg.Experiments.DefaultMinRunDays = 7
	}
	if cfg.Experiments.DefaultConfidenceLevel == 0 {
		cfg.Experiments.DefaultConfidenceLevel = 0.95
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "@every 1h"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "abkit"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			issues = append(issues, "storage.dsn is required for "+c.Storage.Driver)
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Storage.Codec) {
	case "json", "msgpack":
	default:
		issues = append(issues, fmt.Sprintf("storage.codec must be json or msgpack, got %q", c.Storage.Codec))
	}
	if c.Storage.SaveRetries < 0 {
		issues = append(issues, "storage.save_retries must not be negative")
	}
	if c.Experiments.DefaultSampleSize < 0 {
		issues = append(issues, "experiments.default_sample_size must be positive")
	}
	if c.Experiments.DefaultMinRunDays < 0 {
		issues = append(issues, "experiments.default_min_run_days must be positive")
	}
	if l := c.Experiments.DefaultConfidenceLevel; l <= 0 || l >= 1 {
		issues = append(issues, "experiments.default_confidence_level must be between 0 and 1")
	}
	if c.Sweeper.Enabled {
		if _, err := scheduleParser.Parse(c.Sweeper.Schedule); err != nil {
			issues = append(issues, fmt.Sprintf("sweeper.schedule: %v", err))
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.BotToken) == "" {
			issues = append(issues, "notify.telegram.bot_token is required when enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			issues = append(issues, "notify.telegram.chat_id is required when enabled")
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
