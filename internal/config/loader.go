package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "PREFECT",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "PREFECT",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFileUsed returns the config file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (PREFECT_*)
// 3. Project config (./.prefect/prefect.yaml)
// 4. User config (~/.config/prefect/prefect.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("prefect")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".prefect")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "prefect"))
		}
	}

	// Missing config files are fine; defaults and env carry the day.
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("api.url", "http://127.0.0.1:4200/api")
	l.v.SetDefault("api.timeout", "30s")

	l.v.SetDefault("runner.name", "runner")
	l.v.SetDefault("runner.process_limit", -1)
	l.v.SetDefault("runner.poll_interval", "10s")
	l.v.SetDefault("runner.cancellation_interval", "5s")
	l.v.SetDefault("runner.grace_period", "30s")
	l.v.SetDefault("runner.journal_path", ".prefect/runs.db")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8787)

	l.v.SetDefault("preflight.enabled", true)
	l.v.SetDefault("preflight.min_free_memory_mb", 256)
	l.v.SetDefault("preflight.max_load_per_cpu", 4.0)
}
