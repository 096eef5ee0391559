// Package config loads the Engine and Tester's runtime configuration.
//
// Grounded on the teacher's Load/setDefaults pattern (viper reading a YAML
// file layered under environment-variable overrides with an
// ALERTING_ENGINE-style prefix); this package keeps that pattern and
// restructures the sections around the cycle loop, key/value store, rule
// loading, and scenario runner instead of Postgres/Kafka/notification
// delivery, per §6's Configuration table.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for one Engine or Tester run.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Debug       bool            `mapstructure:"debug"`
	Cycle       CycleConfig     `mapstructure:"cycle"`
	Store       StoreConfig     `mapstructure:"store"`
	Rules       RulesConfig     `mapstructure:"rules"`
	Scenario    ScenarioConfig  `mapstructure:"scenario"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
}

// CycleConfig governs the Cycle Orchestrator (§4.7, §6).
type CycleConfig struct {
	PeriodMs            int64 `mapstructure:"period_ms"`
	StepDelayMultiplier float64 `mapstructure:"step_delay_multiplier"`
	TimeoutMultiplier   float64 `mapstructure:"timeout_multiplier"`
	GlobalTimeoutMultiplier float64 `mapstructure:"global_timeout_multiplier"`
	WorkerPoolSize      int   `mapstructure:"worker_pool_size"`
}

// Period returns the configured cycle period as a time.Duration.
func (c CycleConfig) Period() time.Duration {
	return time.Duration(c.PeriodMs) * time.Millisecond
}

// StoreConfig configures the key/value store client (§6's "separable
// dependency"): an in-process cache, a Redis client, or an HTTP client
// speaking to a remote store, plus the Window Store's per-sensor buffer
// capacity margin.
type StoreConfig struct {
	Kind            string        `mapstructure:"kind"` // "memory", "redis", "http"
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisDB         int           `mapstructure:"redis_db"`
	HTTPBaseURL     string        `mapstructure:"http_base_url"`
	HTTPTimeoutMs   int64         `mapstructure:"http_timeout_ms"`
	OpTimeoutMs     int64         `mapstructure:"op_timeout_ms"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	BufferCapacity  int           `mapstructure:"buffer_capacity_margin"`
}

// RulesConfig points the rule loader at its document.
type RulesConfig struct {
	DocumentPath string `mapstructure:"document_path"`
}

// ScenarioConfig configures the Scenario Synthesizer and Runner.
type ScenarioConfig struct {
	OutputPath  string `mapstructure:"output_path"`
	ResultPath  string `mapstructure:"result_path"`
	KeyPrefix   string `mapstructure:"key_prefix"`
}

// LoggingConfig governs the slog logger built by cmd/sentinel-engine and
// cmd/sentinel-tester, mirroring the teacher's LoggingConfig shape.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// MetricsConfig governs the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from (in increasing priority) defaults, an
// optional YAML file, environment variables prefixed SENTINEL_, and CLI
// flags already parsed into flags.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sentinel")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("SENTINEL")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	v.SetDefault("cycle.period_ms", 100)
	v.SetDefault("cycle.step_delay_multiplier", 1.0)
	v.SetDefault("cycle.timeout_multiplier", 1.0)
	v.SetDefault("cycle.global_timeout_multiplier", 1.0)
	v.SetDefault("cycle.worker_pool_size", 0) // 0 means "use runtime.GOMAXPROCS"

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.http_base_url", "http://localhost:8090")
	v.SetDefault("store.http_timeout_ms", 1000)
	v.SetDefault("store.op_timeout_ms", 100)
	v.SetDefault("store.rate_limit_per_sec", 500.0)
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.retry_base_delay", "20ms")
	v.SetDefault("store.buffer_capacity_margin", 2)

	v.SetDefault("rules.document_path", "rules.yaml")

	v.SetDefault("scenario.output_path", "scenarios.json")
	v.SetDefault("scenario.result_path", "results.json")
	v.SetDefault("scenario.key_prefix", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}
