// Package config loads and validates the process configuration: defaults,
// then an optional YAML file, then STRATA_-prefixed environment variables,
// each layer overriding the last. Durations travel as strings and are
// parsed during validation so a bad value fails startup, not a ticker.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level process configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Buffer     BufferConfig     `koanf:"buffer"`
	Query      QueryConfig      `koanf:"query"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Stats      StatsConfig      `koanf:"stats"`
	Bootstrap  BootstrapConfig  `koanf:"bootstrap"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // "debug" or "release"
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// RedisConfig holds the connection settings for the queue, the realtime
// buffer, the KV cache and the stats publisher, which share one client.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// AggregatorConfig tunes the durable pipeline worker.
type AggregatorConfig struct {
	PollInterval string `koanf:"poll_interval"`
	BatchSize    int    `koanf:"batch_size"`
	Concurrency  int    `koanf:"concurrency"`
	WriteRetries int    `koanf:"write_retries"`
	// MaxAttempts is the queue's dead-letter ceiling.
	MaxAttempts int `koanf:"max_attempts"`
}

// BufferConfig tunes the realtime tier. Window is how far back realtime
// queries trust the buffer over the durable tables; TTL must exceed it or
// entries expire while still being served.
type BufferConfig struct {
	TTL    string `koanf:"ttl"`
	Window string `koanf:"window"`
}

// QueryConfig tunes the query engine and the result cache.
type QueryConfig struct {
	Concurrency int `koanf:"concurrency"`
	// CacheMode is "off", "always" or "controlled".
	CacheMode string `koanf:"cache_mode"`
	CacheTTL  string `koanf:"cache_ttl"` // empty or "0" disables expiry
}

// LifecycleConfig tunes the retention scanner.
type LifecycleConfig struct {
	Interval string `koanf:"interval"`
}

// StatsConfig tunes the health sampler.
type StatsConfig struct {
	Interval        string `koanf:"interval"`
	HeartbeatWindow string `koanf:"heartbeat_window"`
}

// BootstrapConfig points at a directory of YAML catalog declarations
// (reports, aggregation sources, event types) applied idempotently at
// startup. Empty skips bootstrapping.
type BootstrapConfig struct {
	Dir string `koanf:"dir"`
}

func parseDuration(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0, got %q", name, value)
	}
	return d, nil
}

// Validate checks the configuration and rejects values that would only
// fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if _, err := parseDuration("aggregator.poll_interval", c.Aggregator.PollInterval); err != nil {
		return err
	}
	if c.Aggregator.BatchSize < 0 {
		return fmt.Errorf("aggregator.batch_size must be >= 0")
	}
	if c.Aggregator.Concurrency < 0 {
		return fmt.Errorf("aggregator.concurrency must be >= 0")
	}
	if c.Aggregator.MaxAttempts < 0 {
		return fmt.Errorf("aggregator.max_attempts must be >= 0")
	}

	ttl, err := parseDuration("buffer.ttl", c.Buffer.TTL)
	if err != nil {
		return err
	}
	window, err := parseDuration("buffer.window", c.Buffer.Window)
	if err != nil {
		return err
	}
	if ttl > 0 && window > ttl {
		return fmt.Errorf("buffer.window %q exceeds buffer.ttl %q", c.Buffer.Window, c.Buffer.TTL)
	}

	switch c.Query.CacheMode {
	case "off", "always", "controlled":
	default:
		return fmt.Errorf("invalid query.cache_mode %q (must be off, always or controlled)", c.Query.CacheMode)
	}
	if _, err := parseDuration("query.cache_ttl", c.Query.CacheTTL); err != nil {
		return err
	}

	if _, err := parseDuration("lifecycle.interval", c.Lifecycle.Interval); err != nil {
		return err
	}
	if _, err := parseDuration("stats.interval", c.Stats.Interval); err != nil {
		return err
	}
	if _, err := parseDuration("stats.heartbeat_window", c.Stats.HeartbeatWindow); err != nil {
		return err
	}
	return nil
}

// Duration accessors assume Validate has passed; a value that cannot parse
// is treated as unset and falls back to the component default.

func duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

func (c AggregatorConfig) PollIntervalDuration() time.Duration { return duration(c.PollInterval) }
func (c BufferConfig) TTLDuration() time.Duration              { return duration(c.TTL) }
func (c BufferConfig) WindowDuration() time.Duration           { return duration(c.Window) }
func (c QueryConfig) CacheTTLDuration() time.Duration          { return duration(c.CacheTTL) }
func (c LifecycleConfig) IntervalDuration() time.Duration      { return duration(c.Interval) }
func (c StatsConfig) IntervalDuration() time.Duration          { return duration(c.Interval) }
func (c StatsConfig) HeartbeatWindowDuration() time.Duration   { return duration(c.HeartbeatWindow) }

// Load parses config from defaults, an optional YAML file and STRATA_ env
// vars, then validates. Env keys map double underscores to dots, e.g.
// STRATA_DATABASE__DSN sets database.dsn.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":              8080,
		"server.host":              "0.0.0.0",
		"server.max_body_size_mb":  1,
		"server.mode":              "release",
		"database.dsn":             "",
		"database.max_open_conns":  25,
		"database.max_idle_conns":  25,
		"database.auto_migrate":    true,
		"redis.addr":               "localhost:6379",
		"redis.password":           "",
		"redis.db":                 0,
		"aggregator.poll_interval": "500ms",
		"aggregator.batch_size":    100,
		"aggregator.concurrency":   8,
		"aggregator.write_retries": 3,
		"aggregator.max_attempts":  15,
		"buffer.ttl":               "15m",
		"buffer.window":            "10m",
		"query.concurrency":        8,
		"query.cache_mode":         "off",
		"query.cache_ttl":          "",
		"lifecycle.interval":       "1h",
		"stats.interval":           "30s",
		"stats.heartbeat_window":   "2m",
		"bootstrap.dir":            "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("STRATA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STRATA_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
