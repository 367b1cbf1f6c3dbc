// Package config loads and validates the server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the UPS_ prefix (e.g., UPS_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments without recompilation or different binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Packages  PackagesConfig  `mapstructure:"packages"`
	Licenses  LicensesConfig  `mapstructure:"licenses"`
	VCS       VCSConfig       `mapstructure:"vcs"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis connection settings used for the package sync
// lease, one-time token burn keys, and rate limiting.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PackagesConfig holds the archive store layout and sync behaviour.
type PackagesConfig struct {
	// Dir is the root of the archive store. Archives live in <dir>/packages,
	// the metadata cache in <dir>/cache, and download scratch space in <dir>/tmp.
	Dir string `mapstructure:"dir"`
	// CacheTTL bounds how long parsed package metadata is trusted before the
	// archive is re-read.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// SyncLeaseTTL is how long a remote sync holds the per-slug lease before
	// Redis expires it on our behalf.
	SyncLeaseTTL time.Duration `mapstructure:"sync_lease_ttl"`
	// DownloadTimeout bounds a single remote archive download.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// CheckInterval is how often the background job re-checks remote versions.
	// Zero disables the job.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LicensesConfig holds license engine behaviour.
type LicensesConfig struct {
	// Enabled gates the whole license surface. When false the update API
	// serves every package without requiring license keys.
	Enabled bool `mapstructure:"enabled"`
	// DeactivateCooldown is the dwell time imposed by a deactivation: the
	// license may not deactivate again until it has elapsed.
	DeactivateCooldown time.Duration `mapstructure:"deactivate_cooldown"`
	// Debug shortens the applied cooldown to one minute so integration
	// environments can exercise the full activate/deactivate cycle quickly.
	Debug bool `mapstructure:"debug"`
	// ExpirySweepInterval is how often the expiry sweeper runs. Zero disables it.
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
}

// VCSConfig holds the remote repository connections packages are synced from.
type VCSConfig struct {
	// FailOpenOnError keeps serving the last known local package metadata when
	// the remote cannot be reached. When false a remote failure surfaces to
	// the caller.
	FailOpenOnError bool `mapstructure:"fail_open_on_error"`
	// CheckTimeout bounds interactive remote lookups; background jobs use a
	// longer deadline.
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	// Repos maps package slug to its remote source.
	Repos map[string]RepoConfig `mapstructure:"repos"`
}

// RepoConfig describes one remote package repository.
type RepoConfig struct {
	// Provider is github, gitlab, or bitbucket.
	Provider string `mapstructure:"provider"`
	// URL is the browsable repository URL, e.g. https://github.com/acme/my-plugin.
	URL string `mapstructure:"url"`
	// Branch is the fallback reference when no usable tag or release exists.
	Branch string `mapstructure:"branch"`
	// Token is the provider API credential; supports ${VAR} expansion.
	Token string `mapstructure:"token"`
	// SelfHostedURL overrides the provider API base for self-hosted instances.
	SelfHostedURL string `mapstructure:"self_hosted_url"`
	// RequireLicense marks the package as license-gated.
	RequireLicense bool `mapstructure:"require_license"`
	// PackageType is plugin, theme, or generic.
	PackageType string `mapstructure:"package_type"`
}

// AuthConfig holds private API authentication configuration
type AuthConfig struct {
	APIKeys APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig holds API key authentication configuration
type APIKeyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// TokensConfig holds signed download/API token settings.
type TokensConfig struct {
	// Secret signs download and nonce tokens (HS256). Supports ${VAR} expansion.
	Secret string `mapstructure:"secret"`
	// DownloadTTL bounds how long an issued download URL stays valid.
	DownloadTTL time.Duration `mapstructure:"download_ttl"`
}

// WebhooksConfig holds outbound webhook delivery settings.
type WebhooksConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoints are the configured webhook receivers.
	Endpoints []WebhookEndpointConfig `mapstructure:"endpoints"`
}

// WebhookEndpointConfig describes one webhook receiver.
type WebhookEndpointConfig struct {
	URL string `mapstructure:"url"`
	// Secret signs the payload (HMAC-SHA256); supports ${VAR} expansion.
	Secret string `mapstructure:"secret"`
	// Events are event-name prefixes the endpoint subscribes to, e.g.
	// "license" for every license event or "license_activate" for one kind.
	// Empty means all events.
	Events []string `mapstructure:"events"`
	// LicenseAPIOwnerOnly restricts license events to records owned by the
	// API key named in api_key_id.
	LicenseAPIOwnerOnly bool   `mapstructure:"license_api_owner_only"`
	APIKeyID            string `mapstructure:"api_key_id"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Packages
		"packages.dir",
		"packages.cache_ttl",
		"packages.sync_lease_ttl",
		"packages.download_timeout",
		"packages.check_interval",

		// Licenses
		"licenses.enabled",
		"licenses.deactivate_cooldown",
		"licenses.debug",
		"licenses.expiry_sweep_interval",

		// VCS
		"vcs.fail_open_on_error",
		"vcs.check_timeout",

		// Auth
		"auth.api_keys.enabled",
		"auth.api_keys.prefix",

		// Tokens
		"tokens.secret",
		"tokens.download_ttl",

		// Webhooks
		"webhooks.enabled",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/updatepulse")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("UPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Tokens.Secret = expandEnv(cfg.Tokens.Secret)
	for slug, repo := range cfg.VCS.Repos {
		repo.Token = expandEnv(repo.Token)
		cfg.VCS.Repos[slug] = repo
	}
	for i := range cfg.Webhooks.Endpoints {
		cfg.Webhooks.Endpoints[i].Secret = expandEnv(cfg.Webhooks.Endpoints[i].Secret)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "updatepulse")
	v.SetDefault("database.user", "updatepulse")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Package store defaults
	v.SetDefault("packages.dir", "./data")
	v.SetDefault("packages.cache_ttl", "24h")
	v.SetDefault("packages.sync_lease_ttl", "10s")
	v.SetDefault("packages.download_timeout", "5m")
	v.SetDefault("packages.check_interval", "12h")

	// License defaults
	v.SetDefault("licenses.enabled", true)
	v.SetDefault("licenses.deactivate_cooldown", "720h")
	v.SetDefault("licenses.debug", false)
	v.SetDefault("licenses.expiry_sweep_interval", "1h")

	// VCS defaults
	v.SetDefault("vcs.fail_open_on_error", false)
	v.SetDefault("vcs.check_timeout", "10s")

	// Auth defaults
	v.SetDefault("auth.api_keys.enabled", true)
	v.SetDefault("auth.api_keys.prefix", "ups_")

	// Token defaults
	v.SetDefault("tokens.download_ttl", "1h")

	// Webhook defaults
	v.SetDefault("webhooks.enabled", false)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if c.Packages.Dir == "" {
		return fmt.Errorf("packages.dir is required")
	}
	if c.Packages.SyncLeaseTTL <= 0 {
		return fmt.Errorf("packages.sync_lease_ttl must be positive")
	}

	if c.Licenses.Enabled && c.Licenses.DeactivateCooldown <= 0 {
		return fmt.Errorf("licenses.deactivate_cooldown must be positive")
	}

	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret is required")
	}

	validProviders := map[string]bool{"github": true, "gitlab": true, "bitbucket": true}
	validTypes := map[string]bool{"plugin": true, "theme": true, "generic": true, "": true}
	for slug, repo := range c.VCS.Repos {
		if !validProviders[repo.Provider] {
			return fmt.Errorf("vcs.repos.%s: invalid provider %q (must be github, gitlab, or bitbucket)", slug, repo.Provider)
		}
		if repo.URL == "" {
			return fmt.Errorf("vcs.repos.%s: url is required", slug)
		}
		if repo.Branch == "" {
			return fmt.Errorf("vcs.repos.%s: branch is required", slug)
		}
		if !validTypes[repo.PackageType] {
			return fmt.Errorf("vcs.repos.%s: invalid package_type %q (must be plugin, theme, or generic)", slug, repo.PackageType)
		}
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: url is required", i)
		}
		if ep.Secret == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: secret is required", i)
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// EffectiveDeactivateCooldown returns the dwell time a deactivation imposes.
// Debug mode shortens it so the full cycle can be exercised without waiting
// out the production window.
func (c *LicensesConfig) EffectiveDeactivateCooldown() time.Duration {
	if c.Debug {
		return time.Minute
	}
	return c.DeactivateCooldown
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
