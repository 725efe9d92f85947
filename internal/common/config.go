package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for kabuscreen
type Config struct {
	Environment string          `toml:"environment"`
	Screening   ScreeningConfig `toml:"screening"`
	Cache       CacheConfig     `toml:"cache"`
	Clients     ClientsConfig   `toml:"clients"`
	Sink        SinkConfig      `toml:"sink"`
	History     HistoryConfig   `toml:"history"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ScreeningConfig holds screening rule options
type ScreeningConfig struct {
	Concurrency int `toml:"concurrency"` // in-flight symbol evaluations

	// perfect order
	PerfectOrderSMA200Filter string `toml:"perfect_order_sma200_filter"` // above, below, all

	// 200-day pullback
	PullbackEMAFilter  string `toml:"pullback_ema_filter"` // 10ema, 20ema, 50ema, all
	PullbackStochastic bool   `toml:"pullback_stochastic"`

	// squeeze
	SqueezeDurationDeviationRelax float64 `toml:"squeeze_duration_deviation_relax"`

	SamplerMaxPerRange int    `toml:"sampler_max_per_range"`
	DebugSymbol        string `toml:"debug_symbol"` // verbose pullback gate traces for this code
}

// CacheConfig holds the persistent price cache configuration
type CacheConfig struct {
	Dir            string `toml:"dir"`
	MaxAgeDays     int    `toml:"max_age_days"`     // staleness allowance for reads
	EvictAfterDays int    `toml:"evict_after_days"` // remove files untouched this long
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	JQuants JQuantsConfig `toml:"jquants"`
}

// JQuantsConfig holds the J-Quants API configuration
type JQuantsConfig struct {
	BaseURL          string `toml:"base_url"`
	RefreshToken     string `toml:"refresh_token"`
	TokenCreatedDate string `toml:"token_created_date"` // YYYY-MM-DD, for expiry warnings
	RateLimit        int    `toml:"rate_limit"`         // requests per second
	Timeout          string `toml:"timeout"`
	RetryCount       int    `toml:"retry_count"`
	RetryDelaySec    int    `toml:"retry_delay_sec"`
}

// GetTimeout parses and returns the timeout duration
func (c *JQuantsConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SinkConfig holds the result sink configuration
type SinkConfig struct {
	Path   string `toml:"path"`    // SQLite database path
	UserID string `toml:"user_id"` // opaque user id stored on each run row
}

// HistoryConfig holds the local run-history configuration
type HistoryConfig struct {
	Path    string `toml:"path"`
	MaxDays int    `toml:"max_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Screening: ScreeningConfig{
			Concurrency:                   20,
			PerfectOrderSMA200Filter:      "all",
			PullbackEMAFilter:             "all",
			PullbackStochastic:            false,
			SqueezeDurationDeviationRelax: 1.4,
			SamplerMaxPerRange:            10,
		},
		Cache: CacheConfig{
			Dir:            "data/prices",
			MaxAgeDays:     30,
			EvictAfterDays: 90,
		},
		Clients: ClientsConfig{
			JQuants: JQuantsConfig{
				BaseURL:       "https://api.jquants.com/v1",
				RateLimit:     10,
				Timeout:       "30s",
				RetryCount:    3,
				RetryDelaySec: 1,
			},
		},
		Sink: SinkConfig{
			Path:   "data/screening.db",
			UserID: "00000000-0000-0000-0000-000000000001",
		},
		History: HistoryConfig{
			Path:    "data/screening_history.json",
			MaxDays: 90,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("KABUSCREEN_ENV"); env != "" {
		config.Environment = env
	}
	if level := os.Getenv("KABUSCREEN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("KABUSCREEN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Screening.Concurrency = n
		}
	}
	if v := os.Getenv("KABUSCREEN_CACHE_DIR"); v != "" {
		config.Cache.Dir = v
	}
	if v := os.Getenv("KABUSCREEN_SINK_PATH"); v != "" {
		config.Sink.Path = v
	}
	if v := os.Getenv("KABUSCREEN_DEBUG_SYMBOL"); v != "" {
		config.Screening.DebugSymbol = v
	}
	// Credentials follow the original deployment's variable names so existing
	// scheduler secrets keep working.
	if v := os.Getenv("JQUANTS_REFRESH_TOKEN"); v != "" {
		config.Clients.JQuants.RefreshToken = v
	}
	if v := os.Getenv("JQUANTS_TOKEN_CREATED_DATE"); v != "" {
		config.Clients.JQuants.TokenCreatedDate = v
	}
}

// Validate checks option values that have a closed set of legal inputs.
func (c *Config) Validate() error {
	switch c.Screening.PerfectOrderSMA200Filter {
	case "above", "below", "all":
	default:
		return fmt.Errorf("invalid perfect_order_sma200_filter %q", c.Screening.PerfectOrderSMA200Filter)
	}
	switch c.Screening.PullbackEMAFilter {
	case "10ema", "20ema", "50ema", "all":
	default:
		return fmt.Errorf("invalid pullback_ema_filter %q", c.Screening.PullbackEMAFilter)
	}
	if c.Screening.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Screening.Concurrency)
	}
	if c.Screening.SamplerMaxPerRange <= 0 {
		return fmt.Errorf("sampler_max_per_range must be positive, got %d", c.Screening.SamplerMaxPerRange)
	}
	return nil
}
