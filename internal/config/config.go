// Package config loads runtrack settings from a YAML file and RUNTRACK_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures user-configurable settings shared across commands.
type Config struct {
	BusURL          string `mapstructure:"bus_url"`
	ControlPlaneURL string `mapstructure:"control_plane_url"`
	StorageDir      string `mapstructure:"storage_dir"`
	ReadyFile       string `mapstructure:"ready_file"`

	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Revoke RevokeConfig `mapstructure:"revoke"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// IngestConfig tunes the event bus subscription.
type IngestConfig struct {
	// MaxRetryAttempts caps reconnect backoff at 2^n time units. Zero keeps
	// the default ceiling.
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`
}

// RevokeConfig tunes the revoke sweep.
type RevokeConfig struct {
	MaxRetries           int     `mapstructure:"max_retries"`
	RetryPauseSeconds    float64 `mapstructure:"retry_pause_seconds"`
	ConfirmWindowSeconds float64 `mapstructure:"confirm_window_seconds"`
	PollIntervalSeconds  float64 `mapstructure:"poll_interval_seconds"`
}

// Load reads configuration from the given file (or ./runtrack.yaml when
// empty), applies RUNTRACK_* environment overrides, and fills defaults. A
// missing config file is not an error; the defaults plus environment stand.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("bus_url", "ws://localhost:7600/events")
	v.SetDefault("control_plane_url", "http://localhost:7601")
	v.SetDefault("storage_dir", "")
	v.SetDefault("ready_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 7610)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("ingest.max_retry_attempts", 0)
	v.SetDefault("revoke.max_retries", 5)
	v.SetDefault("revoke.retry_pause_seconds", 1.0)
	v.SetDefault("revoke.confirm_window_seconds", 3.0)
	v.SetDefault("revoke.poll_interval_seconds", 0.25)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runtrack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RUNTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
