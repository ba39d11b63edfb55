// Package config loads and validates the agent configuration from flags,
// environment variables, and config files.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Server    ServerConfig    `mapstructure:"server"`
	Preflight PreflightConfig `mapstructure:"preflight"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig locates the orchestration service.
type APIConfig struct {
	URL     string        `mapstructure:"url"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RunnerConfig tunes the polling scheduler and process executor.
type RunnerConfig struct {
	Name                 string        `mapstructure:"name"`
	ProcessLimit         int           `mapstructure:"process_limit"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	CancellationInterval time.Duration `mapstructure:"cancellation_interval"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	// Executable hosts the flow engine in the spawned process. Empty means
	// the runner re-invokes its own binary with the engine subcommand.
	Executable  string `mapstructure:"executable"`
	JournalPath string `mapstructure:"journal_path"`
}

// ServerConfig configures the runner API server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// HealthThreshold is the maximum heartbeat age before /health flips to
	// 503. Zero derives it from the poll interval.
	HealthThreshold time.Duration `mapstructure:"health_threshold"`
}

// PreflightConfig configures pre-spawn resource checks.
type PreflightConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MinFreeMemoryMB uint64  `mapstructure:"min_free_memory_mb"`
	MaxLoadPerCPU   float64 `mapstructure:"max_load_per_cpu"`
}

// EffectiveHealthThreshold resolves the health threshold, deriving it from
// the poll interval when unset. The derived value comfortably exceeds any
// sane poll-loop duration so a slow cycle does not flap the endpoint.
func (c *Config) EffectiveHealthThreshold() time.Duration {
	if c.Server.HealthThreshold > 0 {
		return c.Server.HealthThreshold
	}
	return 30 * c.Runner.PollInterval
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive, got %v", c.Runner.PollInterval)
	}
	if c.Runner.CancellationInterval <= 0 {
		return fmt.Errorf("runner.cancellation_interval must be positive, got %v", c.Runner.CancellationInterval)
	}
	if c.Runner.GracePeriod <= 0 {
		return fmt.Errorf("runner.grace_period must be positive, got %v", c.Runner.GracePeriod)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}
	if t := c.Server.HealthThreshold; t > 0 && t <= c.Runner.PollInterval {
		return fmt.Errorf("server.health_threshold (%v) must exceed runner.poll_interval (%v)",
			t, c.Runner.PollInterval)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}
