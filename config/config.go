// Package config loads runtime configuration for the pulse services.
//
// Configuration sources, later ones overriding earlier ones:
//  1. built-in defaults
//  2. an optional config.yaml (working directory or ./configs)
//  3. a .env file when present
//  4. environment variables
//
// Environment variables use the flat names the platform has always
// recognized (PORT, DATABASE_URL, JWT_SECRET, ...) rather than a
// prefixed scheme, because the deployment tooling sets them directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue operation modes.
const (
	QueueModeLocal  = "local"
	QueueModeRemote = "remote"
)

// Config carries every runtime setting for both the API and the worker.
type Config struct {
	Environment string `mapstructure:"app_env"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`

	DatabaseURL string `mapstructure:"database_url"`
	// DBMaxConns defaults low because the platform also runs on
	// cold-start runtimes that fan out many short-lived processes.
	DBMaxConns int `mapstructure:"db_max_conns"`

	JWTSecret            string `mapstructure:"jwt_secret"`
	JWTAccessExpiresIn   string `mapstructure:"jwt_access_expires_in"`
	JWTRefreshExpiresInD int    `mapstructure:"jwt_refresh_expires_in_days"`

	QueueMode string `mapstructure:"queue_mode"`
	QueueURL  string `mapstructure:"queue_url"`
	WorkerURL string `mapstructure:"worker_url"`

	FrontendURL string `mapstructure:"console_frontend_url"`

	WorkerCount       int           `mapstructure:"worker_count"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MetricBatchSize   int           `mapstructure:"metric_batch_size"`
	WindowWidthMs     int64         `mapstructure:"window_width_ms"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// IsProduction reports whether the process runs in a deployed
// environment where secrets and queue wiring are mandatory.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// AccessTokenTTL parses the configured access-token lifetime, falling
// back to 15 minutes on malformed input.
func (c *Config) AccessTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessExpiresIn)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTokenTTL returns the refresh-token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	days := c.JWTRefreshExpiresInD
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("db_max_conns", 3)
	v.SetDefault("jwt_access_expires_in", "15m")
	v.SetDefault("jwt_refresh_expires_in_days", 7)
	v.SetDefault("queue_mode", QueueModeLocal)
	v.SetDefault("worker_count", 4)
	v.SetDefault("job_timeout", "30s")
	v.SetDefault("shutdown_grace", "10s")
	v.SetDefault("flush_interval", "5s")
	v.SetDefault("metric_batch_size", 50)
	v.SetDefault("window_width_ms", 60_000)
	v.SetDefault("visibility_timeout", "30s")
}

// Load reads configuration from all sources and validates it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy environment names kept for deployments predating the Go
	// services.
	bindAlias(v, "app_env", "NODE_ENV")
	bindAlias(v, "queue_url", "SQS_QUEUE_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func bindAlias(v *viper.Viper, key, env string) {
	if v.GetString(key) == "" || !v.IsSet(key) {
		_ = v.BindEnv(key, strings.ToUpper(key), env)
	}
}

// Validate enforces the invariants the services rely on at startup.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.QueueMode != QueueModeLocal && cfg.QueueMode != QueueModeRemote {
		return fmt.Errorf("invalid queue mode: %q", cfg.QueueMode)
	}
	if cfg.IsProduction() {
		if len(cfg.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in %s", cfg.Environment)
		}
		if cfg.QueueMode == QueueModeRemote && cfg.QueueURL == "" {
			return fmt.Errorf("QUEUE_URL is required for remote queue mode in %s", cfg.Environment)
		}
	}
	return nil
}
