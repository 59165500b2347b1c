package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from YAML files and environment variables
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Load loads configuration from files and environment variables.
// YAML files take precedence, then ENV variables override.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")

	// Search paths in order of priority
	l.v.AddConfigPath("/etc/veil-xray")
	l.v.AddConfigPath("$HOME/.veil-xray")
	l.v.AddConfigPath(".")

	l.v.SetEnvPrefix("VEIL")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()

	// Config file not found is OK - defaults and ENV still apply
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Service defaults
	l.v.SetDefault("service.shutdown_timeout", "30s")

	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")

	// API defaults
	l.v.SetDefault("api.listen_addr", ":8000")
	l.v.SetDefault("api.cors_origins", []string{"*"})

	// Database defaults
	l.v.SetDefault("db.path", "./data/veil_xray.db")
	l.v.SetDefault("db.max_open_conns", 25)
	l.v.SetDefault("db.max_idle_conns", 5)
	l.v.SetDefault("db.conn_max_lifetime", 300)

	// Xray defaults
	l.v.SetDefault("xray.config_path", "/usr/local/etc/xray/config.json")
	l.v.SetDefault("xray.binary_path", "/usr/local/bin/xray")
	l.v.SetDefault("xray.api_host", "127.0.0.1")
	l.v.SetDefault("xray.api_port", 10085)
	l.v.SetDefault("xray.api_timeout", "10s")
	l.v.SetDefault("xray.retry_attempts", 3)
	l.v.SetDefault("xray.retry_backoff", "2s")
	l.v.SetDefault("xray.retry_cap", "10s")
	l.v.SetDefault("xray.health_timeout", "5s")
	l.v.SetDefault("xray.test_timeout", "10s")
	l.v.SetDefault("xray.mutation_wait", "30s")

	// Reality defaults
	l.v.SetDefault("reality.sni", "microsoft.com")
	l.v.SetDefault("reality.fingerprint", "chrome")
	l.v.SetDefault("reality.dest", "www.microsoft.com:443")
	l.v.SetDefault("reality.port", 443)
	l.v.SetDefault("reality.flow", "none")

	// Traffic sync defaults
	l.v.SetDefault("sync.enabled", true)
	l.v.SetDefault("sync.schedule", "@every 5m")
}
