// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Browser origins allowed by CORS; empty allows any origin without credentials
	CORSOrigins []string

	// Directory database (tenants, auto top-off settings). Optional; in-memory if unset.
	DatabaseURL         string
	FallbackDatabaseURL string // Secondary region consulted when the home region has no match

	// Wallet store
	WalletDriver string // "memory", "sqlite", "postgres"
	WalletDSN    string
	Shards       int

	// Redis for cross-replica top-off locks. Optional.
	RedisURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	TokenUsageProductID string
	StripeAPIURL        string // Overrides api.stripe.com, e.g. for stripe-mock

	// Analytics store used for reconciliation
	AnalyticsURL   string
	AnalyticsToken string

	// Ledger policy
	EscrowTTL               time.Duration
	ReconcileStaleness      time.Duration
	ReconcileAlertThreshold int64 // cents

	// Notifications
	OpsEmail            string
	NotifyWebhookURL    string
	NotifyWebhookSecret string // HMAC key for outbound notification payloads

	// Security
	AdminSecret string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultWalletDriver            = "memory"
	DefaultShards                  = 256
	DefaultEscrowTTL               = 30 * time.Minute
	DefaultReconcileStaleness      = 60 * time.Second
	DefaultReconcileAlertThreshold = 10
	DefaultOpsEmail                = "engineering@walletgate.dev"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		FallbackDatabaseURL:     os.Getenv("DATABASE_FALLBACK_URL"),
		WalletDriver:            getEnv("WALLET_DB_DRIVER", DefaultWalletDriver),
		WalletDSN:               os.Getenv("WALLET_DB_DSN"),
		Shards:                  int(getEnvInt64("WALLET_SHARDS", DefaultShards)),
		RedisURL:                os.Getenv("REDIS_URL"),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		TokenUsageProductID:     os.Getenv("STRIPE_TOKEN_USAGE_PRODUCT"),
		StripeAPIURL:            os.Getenv("STRIPE_API_URL"),
		CORSOrigins:             getEnvList("CORS_ALLOWED_ORIGINS"),
		AnalyticsURL:            os.Getenv("ANALYTICS_URL"),
		AnalyticsToken:          os.Getenv("ANALYTICS_TOKEN"),
		EscrowTTL:               getEnvDuration("ESCROW_TTL", DefaultEscrowTTL),
		ReconcileStaleness:      getEnvDuration("RECONCILE_STALENESS", DefaultReconcileStaleness),
		ReconcileAlertThreshold: getEnvInt64("RECONCILE_ALERT_THRESHOLD_CENTS", DefaultReconcileAlertThreshold),
		OpsEmail:                getEnv("OPS_EMAIL", DefaultOpsEmail),
		NotifyWebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.WalletDriver {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("WALLET_DB_DRIVER=memory is not allowed in production")
		}
	case "sqlite", "postgres":
		if c.WalletDSN == "" {
			return fmt.Errorf("WALLET_DB_DSN is required for driver %q", c.WalletDriver)
		}
	default:
		return fmt.Errorf("WALLET_DB_DRIVER must be one of memory, sqlite, postgres (got %q)", c.WalletDriver)
	}

	if c.IsProduction() {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.TokenUsageProductID == "" {
			return fmt.Errorf("STRIPE_TOKEN_USAGE_PRODUCT is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	if c.ReconcileAlertThreshold <= 0 {
		return fmt.Errorf("RECONCILE_ALERT_THRESHOLD_CENTS must be positive")
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}
	if c.NotifyWebhookURL != "" {
		u, err := url.Parse(c.NotifyWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an absolute http(s) URL")
		}
		if c.IsProduction() && c.NotifyWebhookSecret == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
