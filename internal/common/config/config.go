// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// ReadTimeoutDuration returns the read timeout, defaulting to 30s.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return parseDuration(s.ReadTimeout, 30*time.Second)
}

// WriteTimeoutDuration returns the write timeout, defaulting to 30s.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return parseDuration(s.WriteTimeout, 30*time.Second)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DockerConfig holds Docker daemon connection settings.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
}

// NATSConfig holds event bus settings. An empty URL disables the bus.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig selects and configures the state store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres or memory
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// StateConfig holds host-side state layout settings.
type StateConfig struct {
	Dir string `mapstructure:"dir"` // bare repos live under <dir>/repos
}

// SandboxConfig holds defaults for provisioned sandboxes.
type SandboxConfig struct {
	Image       string  `mapstructure:"image"`
	MemoryMB    int64   `mapstructure:"memory_mb"`
	CPUCores    float64 `mapstructure:"cpu_cores"`
	NetworkMode string  `mapstructure:"network_mode"`
}

// ReaperConfig holds background reconciliation settings.
type ReaperConfig struct {
	Interval   string `mapstructure:"interval"`
	BackoffCap string `mapstructure:"backoff_cap"`
}

// IntervalDuration returns the reaper period, defaulting to 30s.
func (r ReaperConfig) IntervalDuration() time.Duration {
	return parseDuration(r.Interval, 30*time.Second)
}

// BackoffCapDuration returns the restart backoff cap, defaulting to 5m.
func (r ReaperConfig) BackoffCapDuration() time.Duration {
	return parseDuration(r.BackoffCap, 5*time.Minute)
}

// TimeoutsConfig bounds the slow external operations.
type TimeoutsConfig struct {
	Exec     string `mapstructure:"exec"`
	GitNet   string `mapstructure:"git_network"`
	Worktree string `mapstructure:"worktree"`
}

// ExecDuration returns the container exec timeout, defaulting to 30s.
func (t TimeoutsConfig) ExecDuration() time.Duration {
	return parseDuration(t.Exec, 30*time.Second)
}

// GitNetDuration returns the git network timeout, defaulting to 120s.
func (t TimeoutsConfig) GitNetDuration() time.Duration {
	return parseDuration(t.GitNet, 120*time.Second)
}

// WorktreeDuration returns the worktree creation timeout, defaulting to 60s.
func (t TimeoutsConfig) WorktreeDuration() time.Duration {
	return parseDuration(t.Worktree, 60*time.Second)
}

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Docker   DockerConfig   `mapstructure:"docker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	State    StateConfig    `mapstructure:"state"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// Load reads configuration from config.yaml (if present) and CRAFT_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/craftastic")

	v.SetEnvPrefix("CRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "craftastic.db")
	v.SetDefault("state.dir", "/var/lib/craftastic")
	v.SetDefault("sandbox.image", "craftastic/sandbox:latest")
	v.SetDefault("sandbox.memory_mb", 2048)
	v.SetDefault("sandbox.cpu_cores", 2.0)
	v.SetDefault("sandbox.network_mode", "bridge")
	v.SetDefault("reaper.interval", "30s")
	v.SetDefault("reaper.backoff_cap", "5m")
	v.SetDefault("timeouts.exec", "30s")
	v.SetDefault("timeouts.git_network", "120s")
	v.SetDefault("timeouts.worktree", "60s")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
