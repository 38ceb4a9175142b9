// Package config provides configuration loading and validation for the
// quiesce checkpoint service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidBarrierTimeout = errors.New("barrier timeout must be positive")
	ErrInvalidJobTimeout     = errors.New("capture job timeout must be positive")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
)

// Default configuration values.
const (
	// DefaultBarrierTimeout bounds the leader's wait for all threads to
	// reach the barrier.
	DefaultBarrierTimeout = 500 * time.Millisecond

	// DebugBarrierTimeout replaces the barrier timeout under debug-verbose
	// mode, where threads arrive slowly.
	DebugBarrierTimeout = 5 * time.Second

	// DefaultCaptureJobTimeout bounds the post-barrier capture-and-persist
	// phase; it is enforced by the snapshot sink via context deadline.
	DefaultCaptureJobTimeout = 10 * time.Second

	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultSnapshotDir = "snapshots"
	defaultMetricsAddr = ":9090"
)

// Config holds all configuration for the quiesce service.
type Config struct {
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// CheckpointConfig holds the checkpoint protocol timeouts.
type CheckpointConfig struct {
	BarrierTimeout    time.Duration `mapstructure:"barrier_timeout"`
	CaptureJobTimeout time.Duration `mapstructure:"capture_job_timeout"`
	DebugVerbose      bool          `mapstructure:"debug_verbose"`
}

// EffectiveBarrierTimeout returns the barrier timeout to enforce, widened
// under debug-verbose mode.
func (c CheckpointConfig) EffectiveBarrierTimeout() time.Duration {
	if c.DebugVerbose && c.BarrierTimeout < DebugBarrierTimeout {
		return DebugBarrierTimeout
	}

	return c.BarrierTimeout
}

// SnapshotConfig holds snapshot persistence settings.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath falls back to config.yaml in the standard locations.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/quiesce")
	}

	viperCfg.SetEnvPrefix("QUIESCE")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// setDefaults installs the default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("checkpoint.barrier_timeout", DefaultBarrierTimeout)
	v.SetDefault("checkpoint.capture_job_timeout", DefaultCaptureJobTimeout)
	v.SetDefault("checkpoint.debug_verbose", false)
	v.SetDefault("snapshot.dir", defaultSnapshotDir)
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", defaultMetricsAddr)
}

// validLogLevels and validLogFormats enumerate accepted logging settings.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Checkpoint.BarrierTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBarrierTimeout, c.Checkpoint.BarrierTimeout)
	}

	if c.Checkpoint.CaptureJobTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidJobTimeout, c.Checkpoint.CaptureJobTimeout)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	return nil
}
