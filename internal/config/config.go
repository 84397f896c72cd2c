// Package config defines the global configuration structure for the
// AITextSpeak billing service. Configuration is loaded once at process
// initialization and is immutable thereafter, following 12-Factor principles.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"aitextspeak/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing service.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"aitextspeak-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Stripe        StripeConfig
	PayPal        PayPalConfig
	PayPalLegacy  PayPalLegacyConfig
	Email         EmailConfig
	Reconcile     ReconcileConfig
	AWS           AWSConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AppURL is the public dashboard URL used in checkout redirects and
	// email links (no trailing slash).
	AppURL string `envconfig:"APP_URL" validate:"required,url"`
	// InternalAPIKey authenticates the frontend proxy for checkout RPCs.
	InternalAPIKey SecretString `envconfig:"INTERNAL_API_KEY" validate:"required"`
	// CronSecret is the bearer token required by the reconciliation endpoint.
	CronSecret SecretString `envconfig:"CRON_SECRET" validate:"required"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// StripeConfig holds Stripe payment integration credentials.
type StripeConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// PayPalConfig holds credentials for the current PayPal business account.
type PayPalConfig struct {
	ClientID  SecretString `envconfig:"PAYPAL_CLIENT_ID" validate:"required"`
	Secret    SecretString `envconfig:"PAYPAL_SECRET" validate:"required"`
	WebhookID string       `envconfig:"PAYPAL_WEBHOOK_ID" validate:"required"`
	// BaseURL switches between sandbox and live.
	BaseURL string `envconfig:"PAYPAL_BASE_URL" default:"https://api-m.paypal.com"`
}

// PayPalLegacyConfig holds credentials for the legacy PayPal account.
// All fields are optional; when ClientID is empty the legacy provider is
// skipped gracefully by the reconciliation sweep.
type PayPalLegacyConfig struct {
	ClientID  SecretString `envconfig:"PAYPAL_LEGACY_CLIENT_ID"`
	Secret    SecretString `envconfig:"PAYPAL_LEGACY_SECRET"`
	WebhookID string       `envconfig:"PAYPAL_LEGACY_WEBHOOK_ID"`
	BaseURL   string       `envconfig:"PAYPAL_LEGACY_BASE_URL" default:"https://api-m.paypal.com"`
}

// Configured reports whether legacy PayPal credentials are present.
func (c PayPalLegacyConfig) Configured() bool {
	return c.ClientID != "" && c.Secret != ""
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@aitextspeak.com"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"AITextSpeak"`
	AdminAddress   string       `envconfig:"EMAIL_ADMIN_ADDRESS" validate:"required,email"`
	Enabled        bool         `envconfig:"FEATURE_ENABLE_EMAIL" default:"true"`
}

// ReconcileConfig holds the tolerance windows of the reconciliation core.
// These are deliberately configuration, not magic numbers at call sites:
// they track the cron cadence and should be tuned together with it.
type ReconcileConfig struct {
	// SweepInterval is the cadence of the in-process reconciliation loop.
	SweepInterval time.Duration `envconfig:"RECONCILE_SWEEP_INTERVAL" default:"6h"`
	// GraceSlop is added to a subscription's grace end by the sweep so a
	// coarse cron cadence never revokes access early.
	GraceSlop time.Duration `envconfig:"RECONCILE_GRACE_SLOP" default:"24h"`
	// HealWindow bounds how far back auto-heal scans the payment ledger.
	HealWindow time.Duration `envconfig:"RECONCILE_HEAL_WINDOW" default:"168h"`
	// DedupWindow is the (user, amount) heuristic guard on ledger inserts.
	DedupWindow time.Duration `envconfig:"LEDGER_DEDUP_WINDOW" default:"5m"`
}

// AWSConfig holds AWS resource identifiers for queueing and metrics.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// NotificationQueue is the SQS queue URL for fire-and-forget email tasks.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"required,url"`
	// MetricNamespace is the CloudWatch namespace for billing metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"AITextSpeak/Billing"`
	// EndpointURL supports LocalStack in development (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}
