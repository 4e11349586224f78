// Package config provides configuration management for stemforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Stage names, in pipeline order. Stage names double as directory labels
// inside each job folder, so they never contain path separators.
const (
	StageDownload   = "download"
	StageSeparation = "separation"
	StageLyrics     = "lyrics"
	StagePackaging  = "packaging"
)

// StageOrder returns the pipeline stages in execution order.
func StageOrder() []string {
	return []string{StageDownload, StageSeparation, StageLyrics, StagePackaging}
}

// Default configuration values.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultLease           = 90 * time.Second
	defaultStageTimeout    = 10 * time.Minute
	defaultRetryAttempts   = 2
	defaultRetryBackoff    = 5 * time.Second
	defaultReclaimCron     = "*/30 * * * * *" // every 30s (6-field cron)
	defaultMaxMetadataSize = 1 * MB
	defaultMaxLogSize      = 10 * MB
	defaultShutdownTimeout = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Reclaim  ReclaimConfig  `mapstructure:"reclaim" yaml:"reclaim"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

// StorageConfig holds filesystem layout configuration. Root is the single
// authoritative directory tree: jobs, uploads, and packaged artifacts all
// live under it.
type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// DatabaseConfig holds derived-index database configuration. The index is
// rebuilt from the filesystem on startup, so losing it is never fatal.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// PipelineConfig holds per-stage worker configuration, keyed by stage name.
type PipelineConfig struct {
	Stages map[string]StageConfig `mapstructure:"stages" yaml:"stages"`
}

// StageConfig holds worker settings for a single pipeline stage.
type StageConfig struct {
	Concurrency   int      `mapstructure:"concurrency" yaml:"concurrency"`
	Lease         Duration `mapstructure:"lease" yaml:"lease"`
	Timeout       Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryAttempts int      `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff  Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// ReclaimConfig holds lease-reclaim sweep configuration.
type ReclaimConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Cron    string `mapstructure:"cron" yaml:"cron"` // 6-field cron expression
}

// LimitsConfig holds per-job size limits.
type LimitsConfig struct {
	MaxMetadataSize ByteSize `mapstructure:"max_metadata_size" yaml:"max_metadata_size"`
	MaxLogSize      ByteSize `mapstructure:"max_log_size" yaml:"max_log_size"`
}

// ShutdownConfig holds graceful shutdown configuration.
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STEMFORGE_ and use underscores
// for nesting. Example: STEMFORGE_STORAGE_ROOT=/var/lib/stemforge.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/stemforge")
		v.AddConfigPath("$HOME/.stemforge")
	}

	v.SetEnvPrefix("STEMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyStageDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.root", "./data")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "stemforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults: each stage gets a conservative single-worker
	// setup unless overridden.
	for _, stage := range StageOrder() {
		v.SetDefault("pipeline.stages."+stage+".concurrency", 1)
		v.SetDefault("pipeline.stages."+stage+".lease", defaultLease.String())
		v.SetDefault("pipeline.stages."+stage+".timeout", defaultStageTimeout.String())
		v.SetDefault("pipeline.stages."+stage+".retry_attempts", defaultRetryAttempts)
		v.SetDefault("pipeline.stages."+stage+".retry_backoff", defaultRetryBackoff.String())
	}

	// Reclaim defaults
	v.SetDefault("reclaim.enabled", true)
	v.SetDefault("reclaim.cron", defaultReclaimCron)

	// Limits defaults
	v.SetDefault("limits.max_metadata_size", defaultMaxMetadataSize.Bytes())
	v.SetDefault("limits.max_log_size", defaultMaxLogSize.Bytes())

	// Shutdown defaults
	v.SetDefault("shutdown.timeout", defaultShutdownTimeout)
}

// applyStageDefaults fills zero values for stages mentioned only partially
// in the config file. Viper merges defaults per key, but a stage block
// introduced under a non-default name starts empty.
func (c *Config) applyStageDefaults() {
	if c.Pipeline.Stages == nil {
		c.Pipeline.Stages = make(map[string]StageConfig)
	}
	for name, sc := range c.Pipeline.Stages {
		if sc.Concurrency == 0 {
			sc.Concurrency = 1
		}
		if sc.Lease == 0 {
			sc.Lease = Duration(defaultLease)
		}
		if sc.Timeout == 0 {
			sc.Timeout = Duration(defaultStageTimeout)
		}
		if sc.RetryBackoff == 0 {
			sc.RetryBackoff = Duration(defaultRetryBackoff)
		}
		c.Pipeline.Stages[name] = sc
	}
}

// Stage returns the configuration for the named stage, falling back to
// defaults for unknown names.
func (c *PipelineConfig) Stage(name string) StageConfig {
	if sc, ok := c.Stages[name]; ok {
		return sc
	}
	return StageConfig{
		Concurrency:   1,
		Lease:         Duration(defaultLease),
		Timeout:       Duration(defaultStageTimeout),
		RetryAttempts: defaultRetryAttempts,
		RetryBackoff:  Duration(defaultRetryBackoff),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Storage validation
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Pipeline validation
	for name, sc := range c.Pipeline.Stages {
		if sc.Concurrency < 1 {
			return fmt.Errorf("pipeline.stages.%s.concurrency must be at least 1", name)
		}
		if sc.Lease.Duration() <= 0 {
			return fmt.Errorf("pipeline.stages.%s.lease must be positive", name)
		}
		if sc.RetryAttempts < 0 {
			return fmt.Errorf("pipeline.stages.%s.retry_attempts must not be negative", name)
		}
	}

	// Limits validation
	if c.Limits.MaxMetadataSize <= 0 {
		return fmt.Errorf("limits.max_metadata_size must be positive")
	}
	if c.Limits.MaxLogSize <= 0 {
		return fmt.Errorf("limits.max_log_size must be positive")
	}

	return nil
}

// decodeHook lets Duration and ByteSize fields parse their human-readable
// string forms alongside Viper's standard conversions.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
