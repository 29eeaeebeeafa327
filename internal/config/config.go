// Package config defines the process configuration for the planforge billing
// engine. Configuration is loaded once at startup (or Lambda cold start) and
// is immutable afterwards; values that operators tune at runtime go through a
// SettingsProvider instead.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"planforge/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credential fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"planforge"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Payments PaymentsConfig
	Identity IdentityConfig
	Credits  CreditsConfig
	Billing  BillingConfig
	Security SecurityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"SERVER_MAX_BODY_BYTES" default:"1048576"`
}

// DatabaseConfig holds the Postgres DSN and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds region and resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ResyncQueueURL receives profile resync requests after a partial write.
	// Empty disables enqueueing; the scheduled sweep still repairs profiles.
	ResyncQueueURL string `envconfig:"SQS_RESYNC_QUEUE" validate:"omitempty,url"`

	// MetricsEnabled turns CloudWatch publishing on.
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Planforge"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// PaymentsConfig holds the payment provider credentials and webhook settings.
type PaymentsConfig struct {
	APIKey          SecretString `envconfig:"PAYMENTS_API_KEY" validate:"required"`
	BaseURL         string       `envconfig:"PAYMENTS_BASE_URL" default:"https://live.dodopayments.com" validate:"url"`
	WebhookSecret   SecretString `envconfig:"PAYMENTS_WEBHOOK_SECRET" validate:"required"`
	SignatureScheme string       `envconfig:"WEBHOOK_SIGNATURE_SCHEME" default:"hmac" validate:"oneof=hmac stripe"`
	ReturnURL       string       `envconfig:"CHECKOUT_RETURN_URL" validate:"required,url"`

	// Provider product ids per plan.
	HobbyistProductID string `envconfig:"PRODUCT_ID_HOBBYIST" validate:"required"`
	ProProductID      string `envconfig:"PRODUCT_ID_PRO" validate:"required"`
}

// IdentityConfig holds the identity provider that stores user profiles.
type IdentityConfig struct {
	APIKey  SecretString `envconfig:"IDENTITY_API_KEY" validate:"required"`
	BaseURL string       `envconfig:"IDENTITY_BASE_URL" default:"https://api.clerk.com/v1" validate:"url"`
}

// CreditsConfig holds the generation credit grants. These are defaults; the
// settings provider may override them at runtime.
type CreditsConfig struct {
	FreeGrant     int64 `envconfig:"CREDITS_FREE_GRANT" default:"3" validate:"gte=0"`
	HobbyistGrant int64 `envconfig:"CREDITS_HOBBYIST_GRANT" default:"50" validate:"gte=0"`
}

// BillingConfig holds lifecycle timing.
type BillingConfig struct {
	RecoveryWindow time.Duration `envconfig:"RECOVERY_WINDOW" default:"168h"`
	ProPeriodDays  int           `envconfig:"PRO_PERIOD_DAYS" default:"30" validate:"gt=0"`
	// SettingsTTL enables database-backed settings when positive.
	SettingsTTL time.Duration `envconfig:"SETTINGS_TTL" default:"0s"`
	// SyncGrace is how long an active record may stay unsynced before the
	// sweep repairs it.
	SyncGrace time.Duration `envconfig:"SYNC_GRACE" default:"5m"`
}

// SecurityConfig holds admin access and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
