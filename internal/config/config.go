// Package config loads gasoline-agentd's runtime configuration using Viper
// (TOML file + env var overrides), the same layering strategy as the
// teacher's am.Load/SetDefaults (_examples/teranos-QNTX/am/load.go,
// defaults.go): defaults, then config file, then environment variables
// take precedence.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/brennhill/gasoline-coordinator/internal/errs"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
)

// Config is the fully resolved runtime configuration for gasoline-agentd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the coordinator's HTTP client to the control server.
type ServerConfig struct {
	URL string `mapstructure:"url"`
}

// BreakerConfig configures the default circuit breaker (spec §4.A).
type BreakerConfig struct {
	MaxFailures      int `mapstructure:"max_failures"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
	InitialBackoffMs int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
}

// BatchConfig configures the batching queue (spec §4.B).
type BatchConfig struct {
	DebounceMs     int `mapstructure:"debounce_ms"`
	MaxBatchSize   int `mapstructure:"max_batch_size"`
	MaxPendingSize int `mapstructure:"max_pending_size"`
	RetryBudget    int `mapstructure:"retry_budget"`
}

// DedupConfig configures the error-group deduper (spec §4.C).
type DedupConfig struct {
	WindowMs     int `mapstructure:"window_ms"`
	MaxTracked   int `mapstructure:"max_tracked"`
	MaxAgeMs     int `mapstructure:"max_age_ms"`
}

// GovernorConfig configures the memory/resource governor (spec §4.D).
type GovernorConfig struct {
	SoftThresholdBytes int64 `mapstructure:"soft_threshold_bytes"`
	HardThresholdBytes int64 `mapstructure:"hard_threshold_bytes"`
	SourceMapCacheSize int   `mapstructure:"sourcemap_cache_size"`
}

// SyncConfig configures the long-poll sync client (spec §4.G).
type SyncConfig struct {
	PollTimeoutMs    int `mapstructure:"poll_timeout_ms"`
	ProcessedIDCache int `mapstructure:"processed_id_cache_size"`
	MaxQueuedResults int `mapstructure:"max_queued_results"`
}

// LoggingConfig configures ambient logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

var global *Config

// SetDefaults installs the documented defaults onto v, following the
// teacher's am.SetDefaults layering (defaults first, everything else
// overrides them).
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://127.0.0.1:7531")

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.reset_timeout_ms", 30_000)
	v.SetDefault("breaker.initial_backoff_ms", 1_000)
	v.SetDefault("breaker.max_backoff_ms", 30_000)

	v.SetDefault("batch.debounce_ms", 100)
	v.SetDefault("batch.max_batch_size", 50)
	v.SetDefault("batch.max_pending_size", 1_000)
	v.SetDefault("batch.retry_budget", 3)

	v.SetDefault("dedup.window_ms", 5_000)
	v.SetDefault("dedup.max_tracked", 100)
	v.SetDefault("dedup.max_age_ms", 3_600_000)

	v.SetDefault("governor.soft_threshold_bytes", 20*1024*1024)
	v.SetDefault("governor.hard_threshold_bytes", 50*1024*1024)
	v.SetDefault("governor.sourcemap_cache_size", 50)

	v.SetDefault("sync.poll_timeout_ms", 8_000)
	v.SetDefault("sync.processed_id_cache_size", 1_000)
	v.SetDefault("sync.max_queued_results", 200)

	v.SetDefault("logging.level", "info")
}

// Load resolves configuration from (in increasing precedence) defaults, an
// optional TOML config file, and GASOLINE_-prefixed environment variables.
// configPath may be empty, in which case config.toml in the state directory
// (storage.InRoot) is read if it exists.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	SetDefaults(v)

	v.SetEnvPrefix("GASOLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		resolved, err := storage.InRoot("config.toml")
		if err != nil {
			return nil, errs.Wrap(err, "failed to resolve default config path")
		}
		configPath = resolved
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if !isNotExist(err) {
			return nil, errs.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(err, "failed to unmarshal config")
	}
	global = &cfg

	v.OnConfigChange(func(e fsnotify.Event) {
		var reloaded Config
		if err := v.Unmarshal(&reloaded); err != nil {
			return
		}
		cfg = reloaded
		global = &cfg
	})
	v.WatchConfig()

	return &cfg, nil
}

// Global returns the last-loaded configuration, or nil if Load has not run.
func Global() *Config { return global }

func isNotExist(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// WriteDefaultTOML renders the built-in defaults as TOML, used by the
// `config init` subcommand for scaffolding a first-run config file.
func WriteDefaultTOML() (string, error) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return "", errs.Wrap(err, "failed to unmarshal defaults")
	}
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(cfg); err != nil {
		return "", errs.Wrap(err, "failed to encode defaults as toml")
	}
	return sb.String(), nil
}
