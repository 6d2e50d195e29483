package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Poll     PollConfig     `yaml:"poll"`
	Bucket   BucketConfig   `yaml:"bucket"`
	Macro    MacroConfig    `yaml:"macro"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type CatalogConfig struct {
	// Path of the bucket-mapping CSV (symbol,bucket columns).
	Path string `yaml:"path"`
}

type ExchangeConfig struct {
	SpotURL    string          `yaml:"spot_url"`
	FuturesURL string          `yaml:"futures_url"`
	APIKey     string          `yaml:"api_key"`
	APISecret  string          `yaml:"api_secret"`
	Timeout    Duration        `yaml:"timeout"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests against the single account-wide quota
// shared by every fetcher.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type PollConfig struct {
	Candles FamilyConfig `yaml:"candles"`
	Futures FamilyConfig `yaml:"futures"`
	Depth   FamilyConfig `yaml:"depth"`
	Macro   FamilyConfig `yaml:"macro"`
}

// FamilyConfig drives one metric family's poll cycle.
type FamilyConfig struct {
	Interval    Duration `yaml:"interval"`
	Concurrency int      `yaml:"concurrency"`
	// CandleLimit is the number of most recent klines per fetch; only the
	// candle family reads it.
	CandleLimit int `yaml:"candle_limit"`
	// DepthLevels is the number of book levels per side; only the depth
	// family reads it.
	DepthLevels int `yaml:"depth_levels"`
}

type BucketConfig struct {
	// WidthMs is the aggregation bucket width in milliseconds. Bucket
	// arithmetic uses milliseconds everywhere.
	WidthMs int64 `yaml:"width_ms"`
}

type MacroConfig struct {
	Indices []MacroIndexConfig `yaml:"indices"`
}

type MacroIndexConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	FallbackURL string `yaml:"fallback_url"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
	// Key enables the x-api-key check when non-empty.
	Key string `yaml:"key"`
	// Freshness is the staleness threshold for the health endpoint.
	Freshness    Duration `yaml:"freshness"`
	DefaultLimit int      `yaml:"default_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// Duration parses yaml values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads, defaults, overrides and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Timeout: Duration(10 * time.Second),
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 15,
				BurstSize:         30,
			},
		},
		Poll: PollConfig{
			Candles: FamilyConfig{Interval: Duration(60 * time.Second), Concurrency: 16, CandleLimit: 1},
			Futures: FamilyConfig{Interval: Duration(5 * time.Minute), Concurrency: 16},
			Depth:   FamilyConfig{Interval: Duration(30 * time.Second), Concurrency: 16, DepthLevels: 20},
			Macro:   FamilyConfig{Interval: Duration(24 * time.Hour), Concurrency: 2},
		},
		Bucket: BucketConfig{WidthMs: 900000},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "prefer",
			MinConns: 1,
			MaxConns: 8,
		},
		API: APIConfig{
			Addr:         ":8080",
			Freshness:    Duration(120 * time.Second),
			DefaultLimit: 200,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATA_API_KEY"); v != "" {
		cfg.API.Key = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.Version == "" {
		return fmt.Errorf("service.version is required")
	}
	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	if cfg.Exchange.Timeout <= 0 {
		return fmt.Errorf("exchange.timeout must be greater than 0")
	}
	if cfg.Exchange.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Exchange.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("exchange.rate_limit.burst_size must be greater than 0")
	}

	families := []struct {
		name string
		cfg  FamilyConfig
	}{
		{"poll.candles", cfg.Poll.Candles},
		{"poll.futures", cfg.Poll.Futures},
		{"poll.depth", cfg.Poll.Depth},
		{"poll.macro", cfg.Poll.Macro},
	}
	for _, f := range families {
		if f.cfg.Interval <= 0 {
			return fmt.Errorf("%s.interval must be greater than 0", f.name)
		}
		if f.cfg.Concurrency <= 0 {
			return fmt.Errorf("%s.concurrency must be greater than 0", f.name)
		}
	}

	if cfg.Bucket.WidthMs <= 0 {
		return fmt.Errorf("bucket.width_ms must be greater than 0")
	}
	if cfg.Bucket.WidthMs%1000 != 0 {
		return fmt.Errorf("bucket.width_ms must be a whole number of seconds")
	}

	for i, idx := range cfg.Macro.Indices {
		if idx.Name == "" {
			return fmt.Errorf("macro.indices[%d].name is required", i)
		}
		if idx.URL == "" {
			return fmt.Errorf("macro.indices[%d].url is required", i)
		}
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if cfg.Database.MaxConns < cfg.Database.MinConns {
		return fmt.Errorf("database.max_conns must be >= database.min_conns")
	}

	if cfg.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if cfg.API.Freshness <= 0 {
		return fmt.Errorf("api.freshness must be greater than 0")
	}
	if cfg.API.DefaultLimit <= 0 {
		return fmt.Errorf("api.default_limit must be greater than 0")
	}

	return nil
}
