// Package config defines the configuration structure for the chime notifier.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Mounted secret files (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"chimenotify/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Preference sources.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"chimenotify"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Chime         ChimeConfig
	Preferences   PreferencesConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Retry         RetryConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings for the ingest API.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"25s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// ChimeConfig holds settings for outbound webhook delivery.
type ChimeConfig struct {
	UserAgent            string        `envconfig:"CHIME_USER_AGENT"`
	Timeout              time.Duration `envconfig:"CHIME_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxRedirects         int           `envconfig:"CHIME_MAX_REDIRECTS" default:"3" validate:"gte=0,lte=10"`
	ContentField         string        `envconfig:"CHIME_CONTENT_FIELD" default:"Content" validate:"required"`
	RootURL              string        `envconfig:"CHIME_ROOT_URL" validate:"omitempty,url"`
	RequireHTTPS         bool          `envconfig:"CHIME_REQUIRE_HTTPS" default:"true"`
	AllowPrivateNetworks bool          `envconfig:"CHIME_ALLOW_PRIVATE_NETWORKS" default:"false"`
}

// PreferencesConfig selects and tunes the Configuration Provider.
type PreferencesConfig struct {
	Source       string        `envconfig:"PREFERENCES_SOURCE" default:"file" validate:"oneof=file postgres"`
	File         string        `envconfig:"PREFERENCES_FILE" default:"preferences.yaml" validate:"required_if=Source file"`
	CacheTTL     time.Duration `envconfig:"PREFERENCES_CACHE_TTL" default:"60s"`
	CacheMaxCost int64         `envconfig:"PREFERENCES_CACHE_MAX_COST" default:"1048576" validate:"gte=0"`
	FanOut       int           `envconfig:"PREFERENCES_FANOUT" default:"8" validate:"gte=1"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Required when Preferences.Source is postgres.
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
	RecordDeliveries  bool          `envconfig:"DB_RECORD_DELIVERIES" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DispatchQueue switches the ingest API to asynchronous mode when set.
	DispatchQueue string `envconfig:"SQS_DISPATCH_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds ingest API authentication settings.
type SecurityConfig struct {
	// IngestTokenHash is a bcrypt hash of the bearer token build hosts send.
	IngestTokenHash SecretString `envconfig:"INGEST_TOKEN_HASH"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ChimeNotify"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// RetryConfig controls worker-side redelivery of retryable failures.
type RetryConfig struct {
	MaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" validate:"gte=1"`
	BaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	MaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"15m"`
	BackoffFactor float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2.0" validate:"gte=1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when reading a secret file.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// UserAgentOrDefault returns the configured User-Agent or one derived from
// the build version.
func (c *Config) UserAgentOrDefault() string {
	if c.Chime.UserAgent != "" {
		return c.Chime.UserAgent
	}
	return "chimenotify/" + c.Build.Version
}

// AsyncDispatch reports whether the ingest API should enqueue events instead
// of delivering inline.
func (c *Config) AsyncDispatch() bool {
	return c.AWS.DispatchQueue != ""
}
