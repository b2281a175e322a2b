package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "USERMGMT"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN). postgres:// selects PostgreSQL, anything else SQLite.
	DatabaseURL string `mapstructure:"database_url"`

	// Server bind address (host:port)
	ServerAddr string `mapstructure:"server_addr"`

	// Environment name; "production" switches logging to JSON
	Environment string `mapstructure:"environment"`

	// Maximum database connection pool size (PostgreSQL only)
	MaxDBConnections int `mapstructure:"max_db_connections"`

	// Enable debug logging
	Debug bool `mapstructure:"debug"`

	Session   SessionConfig   `mapstructure:"session"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	External  ExternalConfig  `mapstructure:"external"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// SessionConfig controls bearer session lifetime.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`

	// ReapSchedule is a cron spec for purging expired sessions. Empty disables the job.
	ReapSchedule string `mapstructure:"reap_schedule"`
}

// AccountsConfig describes how accounts map onto the host.
type AccountsConfig struct {
	// RootUsername names the protected administrator that can never be deleted.
	RootUsername string `mapstructure:"root_username"`

	// HomeRoot is the parent directory of per-account storage areas.
	HomeRoot string `mapstructure:"home_root"`
}

// ExternalConfig bounds calls into provisioning and introspection tooling.
type ExternalConfig struct {
	ScriptsDir     string        `mapstructure:"scripts_dir"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ReconcileConfig schedules re-application of quotas left pending.
type ReconcileConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SetDefaults registers every known key so env overrides resolve during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "usermgmt.db")
	v.SetDefault("server_addr", ":5000")
	v.SetDefault("environment", "development")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.reap_schedule", "@every 1h")

	v.SetDefault("accounts.root_username", "admin")
	v.SetDefault("accounts.home_root", "/home")

	v.SetDefault("external.scripts_dir", "/opt/usermgmt/scripts")
	v.SetDefault("external.max_concurrency", 4)
	v.SetDefault("external.timeout", 30*time.Second)

	v.SetDefault("reconcile.schedule", "@every 5m")

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load resolves configuration from the global viper instance: defaults, then any
// config file already read by the caller, then USERMGMT_ environment variables
// and bound flags.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom resolves configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.External.MaxConcurrency < 1 {
		return fmt.Errorf("external.max_concurrency must be at least 1, got %d", c.External.MaxConcurrency)
	}
	if c.External.Timeout <= 0 {
		return fmt.Errorf("external.timeout must be positive, got %s", c.External.Timeout)
	}
	if c.Accounts.RootUsername == "" {
		return fmt.Errorf("accounts.root_username is required")
	}
	return nil
}
