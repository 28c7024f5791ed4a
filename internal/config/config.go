// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int     `mapstructure:"port"`
	ScrapeRPS        float64 `mapstructure:"scrape_rps"`
	ScrapeBurst      int     `mapstructure:"scrape_burst"`
	ShutdownGraceSec int     `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// MetricsConfig names the exposition namespace prefix.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// PolitenessConfig supplies the default politeness policy and per-source
// overrides. All delays are milliseconds.
type PolitenessConfig struct {
	DefaultMinDelayMs    int                     `mapstructure:"default_min_delay_ms"`
	DefaultMaxConcurrent int                     `mapstructure:"default_max_concurrent"`
	Sources              map[string]SourceLimits `mapstructure:"sources"`
}

// SourceLimits overrides the politeness policy for one source.
type SourceLimits struct {
	MinDelayMs    int `mapstructure:"min_delay_ms"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// FetcherConfig governs the instrumented fetch client.
type FetcherConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.scrape_rps", 5)
	v.SetDefault("server.scrape_burst", 10)
	v.SetDefault("server.shutdown_grace_seconds", 10)
	v.SetDefault("metrics.namespace", "econgraph")
	v.SetDefault("politeness.default_min_delay_ms", 1000)
	v.SetDefault("politeness.default_max_concurrent", 2)
	v.SetDefault("fetcher.user_agent", "econgraph-crawler/1.0")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Politeness.DefaultMinDelayMs < 0 {
		return fmt.Errorf("politeness.default_min_delay_ms must be >= 0")
	}
	if c.Politeness.DefaultMaxConcurrent <= 0 {
		return fmt.Errorf("politeness.default_max_concurrent must be > 0")
	}
	for source, limits := range c.Politeness.Sources {
		if limits.MinDelayMs < 0 {
			return fmt.Errorf("politeness.sources.%s.min_delay_ms must be >= 0", source)
		}
		if limits.MaxConcurrent <= 0 {
			return fmt.Errorf("politeness.sources.%s.max_concurrent must be > 0", source)
		}
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the fetcher timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
