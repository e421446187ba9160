package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Tracing  TracingConfig  `json:"tracing"`
	Redis    RedisConfig    `json:"redis"`
	Retry    RetryConfig    `json:"retry"`
	Surface  SurfaceConfig  `json:"surface"`
	Restart  RestartConfig  `json:"restart"`
	Circuit  CircuitConfig  `json:"circuit"`
	SMTP     SMTPConfig     `json:"smtp"`
	Alerts   AlertsConfig   `json:"alerts"`
	Upstream UpstreamConfig `json:"upstream"`
	Profiles *ProfileSet    `json:"profiles,omitempty"`
}

// ServerConfig contains the diagnostics HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// RedisConfig contains Redis connection configuration for the status board
type RedisConfig struct {
	Enabled         bool          `json:"enabled"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Password        string        `json:"password"`
	DB              int           `json:"db"`
	PoolSize        int           `json:"pool_size"`
	KeyPrefix       string        `json:"key_prefix"`
	PublishInterval time.Duration `json:"publish_interval"`
	SnapshotTTL     time.Duration `json:"snapshot_ttl"`
}

// RetryConfig is the remote-call retry policy
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// SurfaceConfig bounds the refresh-and-retry recipe
type SurfaceConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	RefreshDelay time.Duration `json:"refresh_delay"`
}

// RestartConfig bounds the restart-and-retry recipe
type RestartConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	RestartDelay time.Duration `json:"restart_delay"`
}

// CircuitConfig holds default breaker settings for remote resources
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// SMTPConfig contains notification mail server settings
type SMTPConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	From     string        `json:"from"`
	Timeout  time.Duration `json:"timeout"`
}

// AlertsConfig routes recovery alerts to notification channels
type AlertsConfig struct {
	Recipients      []string      `json:"recipients"`
	MinSeverity     string        `json:"min_severity"`
	SlackWebhookURL string        `json:"slack_webhook_url"`
	SlackUsername   string        `json:"slack_username"`
	RateLimit       int           `json:"rate_limit"`
	RateInterval    time.Duration `json:"rate_interval"`
}

// UpstreamConfig describes the remote API probed by the daemon
type UpstreamConfig struct {
	BaseURL       string        `json:"base_url"`
	ProbePath     string        `json:"probe_path"`
	Timeout       time.Duration `json:"timeout"`
	TokenIssuer   string        `json:"token_issuer"`
	TokenSecret   string        `json:"token_secret"`
	TokenTTL      time.Duration `json:"token_ttl"`
	OAuthTokenURL string        `json:"oauth_token_url"`
	OAuthClientID string        `json:"oauth_client_id"`
	OAuthSecret   string        `json:"oauth_secret"`
	OAuthScopes   []string      `json:"oauth_scopes"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "recoverykit"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("TRACING_ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Enabled:         getEnvBool("REDIS_ENABLED", false),
			Host:            getEnvString("REDIS_HOST", "localhost"),
			Port:            getEnvInt("REDIS_PORT", 6379),
			Password:        getEnvString("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			PoolSize:        getEnvInt("REDIS_POOL_SIZE", 10),
			KeyPrefix:       getEnvString("REDIS_KEY_PREFIX", "recoverykit"),
			PublishInterval: getEnvDuration("REDIS_PUBLISH_INTERVAL", 10*time.Second),
			SnapshotTTL:     getEnvDuration("REDIS_SNAPSHOT_TTL", time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			Jitter:            getEnvBool("RETRY_JITTER", false),
		},
		Surface: SurfaceConfig{
			MaxAttempts:  getEnvInt("SURFACE_MAX_ATTEMPTS", 3),
			RefreshDelay: getEnvDuration("SURFACE_REFRESH_DELAY", time.Second),
		},
		Restart: RestartConfig{
			MaxAttempts:  getEnvInt("RESTART_MAX_ATTEMPTS", 2),
			RestartDelay: getEnvDuration("RESTART_DELAY", 2*time.Second),
		},
		Circuit: CircuitConfig{
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("CIRCUIT_RECOVERY_TIMEOUT", 30*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnvString("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnvString("SMTP_USERNAME", ""),
			Password: getEnvString("SMTP_PASSWORD", ""),
			From:     getEnvString("SMTP_FROM", "noreply@recoverykit.local"),
			Timeout:  getEnvDuration("SMTP_TIMEOUT", 30*time.Second),
		},
		Alerts: AlertsConfig{
			Recipients:      getEnvList("ALERT_RECIPIENTS", nil),
			MinSeverity:     getEnvString("ALERT_MIN_SEVERITY", "WARNING"),
			SlackWebhookURL: getEnvString("ALERT_SLACK_WEBHOOK_URL", ""),
			SlackUsername:   getEnvString("ALERT_SLACK_USERNAME", "recoverykit"),
			RateLimit:       getEnvInt("ALERT_RATE_LIMIT", 10),
			RateInterval:    getEnvDuration("ALERT_RATE_INTERVAL", time.Minute),
		},
		Upstream: UpstreamConfig{
			BaseURL:       getEnvString("UPSTREAM_BASE_URL", ""),
			ProbePath:     getEnvString("UPSTREAM_PROBE_PATH", "/health"),
			Timeout:       getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
			TokenIssuer:   getEnvString("UPSTREAM_TOKEN_ISSUER", "recoverykit"),
			TokenSecret:   getEnvString("UPSTREAM_TOKEN_SECRET", ""),
			TokenTTL:      getEnvDuration("UPSTREAM_TOKEN_TTL", 15*time.Minute),
			OAuthTokenURL: getEnvString("UPSTREAM_OAUTH_TOKEN_URL", ""),
			OAuthClientID: getEnvString("UPSTREAM_OAUTH_CLIENT_ID", ""),
			OAuthSecret:   getEnvString("UPSTREAM_OAUTH_CLIENT_SECRET", ""),
			OAuthScopes:   getEnvList("UPSTREAM_OAUTH_SCOPES", nil),
		},
	}

	if path := getEnvString("RECOVERY_PROFILES_FILE", ""); path != "" {
		profiles, err := LoadProfiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load recovery profiles: %w", err)
		}
		config.Profiles = profiles
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.MaxAttempts > 1 && c.Retry.BackoffMultiplier <= 1.0 {
		return fmt.Errorf("retry backoff multiplier must be greater than 1.0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Surface.MaxAttempts < 1 {
		return fmt.Errorf("surface max attempts must be at least 1")
	}
	if c.Restart.MaxAttempts < 1 {
		return fmt.Errorf("restart max attempts must be at least 1")
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit failure threshold must be at least 1")
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit recovery timeout must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be between 0 and 1")
	}
	switch strings.ToUpper(c.Alerts.MinSeverity) {
	case "", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("alert min severity must be one of INFO, WARNING, ERROR, CRITICAL")
	}
	if c.Upstream.OAuthTokenURL != "" && c.Upstream.TokenSecret != "" {
		return fmt.Errorf("upstream auth must use either a service token or oauth2, not both")
	}
	if c.Profiles != nil {
		if err := c.Profiles.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CircuitFor returns the breaker settings for a resource key, applying any
// matching profile over the defaults.
func (c *Config) CircuitFor(key string) CircuitConfig {
	if c.Profiles == nil {
		return c.Circuit
	}
	return c.Profiles.CircuitFor(key, c.Circuit)
}

// ServerAddr returns the diagnostics server listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
