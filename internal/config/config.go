package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	RateLimit struct {
		Count    int   `yaml:"count" toml:"count"`
		WindowMs int64 `yaml:"window_ms" toml:"window_ms"`
	} `yaml:"rate_limit" toml:"rate_limit"`
	StaleTimeMs          int64 `yaml:"stale_time_ms" toml:"stale_time_ms"`
	RefreshIntervalMs    int64 `yaml:"refresh_interval_ms" toml:"refresh_interval_ms"`
	CandleGranularitySec int64 `yaml:"candle_granularity_sec" toml:"candle_granularity_sec"`
	CandleWindow         struct {
		StartOffsetMs int64 `yaml:"start_offset_ms" toml:"start_offset_ms"`
		EndOffsetMs   int64 `yaml:"end_offset_ms" toml:"end_offset_ms"`
	} `yaml:"candle_window" toml:"candle_window"`
	FetchTimeoutMs int64 `yaml:"fetch_timeout_ms" toml:"fetch_timeout_ms"`

	Schedule struct {
		// RefreshCron overrides refresh_interval_ms with a six-field cron spec.
		RefreshCron string `yaml:"refresh_cron" toml:"refresh_cron"`
	} `yaml:"schedule" toml:"schedule"`

	DataSource struct {
		// Provider is "coinbase" (default) or "yahoo". The live feed and
		// catalog are Coinbase-only.
		Provider string `yaml:"provider" toml:"provider"`
		BaseURL  string `yaml:"base_url" toml:"base_url"`
		FeedURL  string `yaml:"feed_url" toml:"feed_url"`
		YahooURL string `yaml:"yahoo_url" toml:"yahoo_url"`
		Mock     bool   `yaml:"mock" toml:"mock"`
	} `yaml:"data_source" toml:"data_source"`
	Proxy string `yaml:"proxy" toml:"proxy"`

	Symbols          []string `yaml:"symbols" toml:"symbols"`
	SubscriptionFile string   `yaml:"subscription_file" toml:"subscription_file"`

	Catalog struct {
		RefreshIntervalMs int64 `yaml:"refresh_interval_ms" toml:"refresh_interval_ms"`
	} `yaml:"catalog" toml:"catalog"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
	} `yaml:"database" toml:"database"`

	Redis struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		TTLMs    int64  `yaml:"ttl_ms" toml:"ttl_ms"`
	} `yaml:"redis" toml:"redis"`

	HTTP struct {
		Addr        string   `yaml:"addr" toml:"addr"`
		CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	} `yaml:"http" toml:"http"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`
}

// Granularities accepted by the candles endpoint, in seconds.
var validGranularities = map[int64]bool{60: true, 300: true, 900: true, 3600: true, 21600: true, 86400: true}

// Load reads config from a YAML or TOML file (by extension), then applies
// environment variable overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = toml.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("COINBASE_BASE_URL"); v != "" {
		cfg.DataSource.BaseURL = v
	}
	if v := os.Getenv("COINBASE_FEED_URL"); v != "" {
		cfg.DataSource.FeedURL = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("DATA_PROVIDER"); v != "" {
		cfg.DataSource.Provider = v
	}
	if v := os.Getenv("MOCK_DATA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DataSource.Mock = b
		}
	}

	// Defaults
	if cfg.DataSource.Provider == "" {
		cfg.DataSource.Provider = "coinbase"
	}
	if cfg.RateLimit.Count == 0 {
		cfg.RateLimit.Count = 10
	}
	if cfg.RateLimit.WindowMs == 0 {
		cfg.RateLimit.WindowMs = 1000
	}
	if cfg.StaleTimeMs == 0 {
		cfg.StaleTimeMs = 60_000
	}
	if cfg.RefreshIntervalMs == 0 {
		cfg.RefreshIntervalMs = 60_000
	}
	if cfg.CandleGranularitySec == 0 {
		cfg.CandleGranularitySec = 900
	}
	if cfg.CandleWindow.StartOffsetMs == 0 {
		cfg.CandleWindow.StartOffsetMs = int64(24 * time.Hour / time.Millisecond)
	}
	if cfg.FetchTimeoutMs == 0 {
		cfg.FetchTimeoutMs = 10_000
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTC-USD", "ETH-USD"}
	}
	if cfg.SubscriptionFile == "" {
		cfg.SubscriptionFile = "data/subscription.json"
	}
	if cfg.Catalog.RefreshIntervalMs == 0 {
		cfg.Catalog.RefreshIntervalMs = int64(time.Hour / time.Millisecond)
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/marketpulse.db"
	}
	if cfg.Redis.TTLMs == 0 {
		cfg.Redis.TTLMs = int64(5 * time.Minute / time.Millisecond)
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	return cfg, nil
}

// Validate checks ranges and combinations.
func (c *Config) Validate() error {
	if c.DataSource.Provider != "coinbase" && c.DataSource.Provider != "yahoo" {
		return fmt.Errorf("data_source.provider must be coinbase or yahoo")
	}
	if c.RateLimit.Count <= 0 {
		return fmt.Errorf("rate_limit.count must be positive")
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rate_limit.window_ms must be positive")
	}
	if c.StaleTimeMs <= 0 {
		return fmt.Errorf("stale_time_ms must be positive")
	}
	if c.RefreshIntervalMs < 1000 && c.Schedule.RefreshCron == "" {
		return fmt.Errorf("refresh_interval_ms must be at least 1000")
	}
	if !validGranularities[c.CandleGranularitySec] {
		return fmt.Errorf("candle_granularity_sec %d is not one of 60, 300, 900, 3600, 21600, 86400", c.CandleGranularitySec)
	}
	if c.CandleWindow.EndOffsetMs < 0 || c.CandleWindow.StartOffsetMs <= c.CandleWindow.EndOffsetMs {
		return fmt.Errorf("candle_window.start_offset_ms must be greater than end_offset_ms (>= 0)")
	}
	if c.FetchTimeoutMs <= 0 {
		return fmt.Errorf("fetch_timeout_ms must be positive")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

func (c *Config) RateWindow() time.Duration { return ms(c.RateLimit.WindowMs) }
func (c *Config) StaleTime() time.Duration  { return ms(c.StaleTimeMs) }
func (c *Config) RefreshInterval() time.Duration {
	return ms(c.RefreshIntervalMs)
}
func (c *Config) Granularity() time.Duration {
	return time.Duration(c.CandleGranularitySec) * time.Second
}
func (c *Config) StartOffset() time.Duration     { return ms(c.CandleWindow.StartOffsetMs) }
func (c *Config) EndOffset() time.Duration       { return ms(c.CandleWindow.EndOffsetMs) }
func (c *Config) FetchTimeout() time.Duration    { return ms(c.FetchTimeoutMs) }
func (c *Config) CatalogInterval() time.Duration { return ms(c.Catalog.RefreshIntervalMs) }
func (c *Config) RedisTTL() time.Duration        { return ms(c.Redis.TTLMs) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
