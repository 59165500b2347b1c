package config

import (
	"fmt"
	"time"
)

// Config defines the configuration for the veild service.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Log     LogConfig     `mapstructure:"log"`
	API     APIConfig     `mapstructure:"api"`
	DB      DBConfig      `mapstructure:"db"`
	Xray    XrayConfig    `mapstructure:"xray"`
	Reality RealityConfig `mapstructure:"reality"`
	Sync    SyncConfig    `mapstructure:"sync"`
}

// ServiceConfig defines service-level configuration options.
type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig defines the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig defines the API server configuration.
type APIConfig struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	SecretKey   string   `mapstructure:"secret_key"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DBConfig defines the database configuration.
type DBConfig struct {
	Path            string `mapstructure:"path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// XrayConfig defines how veild reaches the xray process: its JSON
// configuration file, its control API, and the binary used for offline
// config checks and stats queries.
type XrayConfig struct {
	ConfigPath  string        `mapstructure:"config_path"`
	BinaryPath  string        `mapstructure:"binary_path"`
	APIHost     string        `mapstructure:"api_host"`
	APIPort     int           `mapstructure:"api_port"`
	APITimeout  time.Duration `mapstructure:"api_timeout"`
	StatsServer string        `mapstructure:"stats_server"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`

	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	TestTimeout   time.Duration `mapstructure:"test_timeout"`
	MutationWait  time.Duration `mapstructure:"mutation_wait"`
}

// RealityConfig defines the Reality parameters shared by every key.
type RealityConfig struct {
	ServerName    string `mapstructure:"server_name"`
	SNI           string `mapstructure:"sni"`
	Fingerprint   string `mapstructure:"fingerprint"`
	Dest          string `mapstructure:"dest"`
	Port          int    `mapstructure:"port"`
	PublicKey     string `mapstructure:"public_key"`
	PrivateKey    string `mapstructure:"private_key"`
	CommonShortID string `mapstructure:"common_short_id"`
	Flow          string `mapstructure:"flow"`
}

// SyncConfig defines the periodic traffic sync job.
type SyncConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must not be empty")
	}
	if c.API.SecretKey == "" || c.API.SecretKey == "change-me-in-production" {
		return fmt.Errorf("api.secret_key must be set to a non-default value")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if c.Xray.ConfigPath == "" {
		return fmt.Errorf("xray.config_path must not be empty")
	}
	if c.Reality.CommonShortID == "" {
		return fmt.Errorf("reality.common_short_id must not be empty")
	}
	if c.Xray.RetryAttempts < 1 {
		return fmt.Errorf("xray.retry_attempts must be at least 1")
	}
	if c.Xray.MutationWait <= 0 {
		return fmt.Errorf("xray.mutation_wait must be positive")
	}
	return nil
}

// StatsServerAddr returns the host:port the xray stats CLI should target.
func (c *XrayConfig) StatsServerAddr() string {
	if c.StatsServer != "" {
		return c.StatsServer
	}
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// APIBaseURL returns the base URL of the xray control HTTP API.
func (c *XrayConfig) APIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.APIHost, c.APIPort)
}
