// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/gigmarket/orderflow/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string
	JWTIssuer string

	// Order economics
	FeeRate         decimal.Decimal
	MaxOrderPrice   int64
	MaxDeliveryDays int
	MinWithdrawal   int64

	// Deadlines enforced by the scheduler
	NoResponseWindow      time.Duration
	ReleaseWindow         time.Duration
	DisputeResponseWindow time.Duration
	SweepInterval         time.Duration

	PlatformAccountID string

	// Payment provider
	PaymentProvider      string // "sandbox", "xendit", "stripe"
	XenditAPIKey         string
	XenditBaseURL        string
	PaymentCallbackToken string
	PayoutCallbackToken  string
	StripeSecretKey      string
	StripeWebhookSecret  string
	PaymentSuccessURL    string
	PaymentCurrency      string

	// Collaborators and infrastructure (all optional)
	ChatServiceURL   string
	ChatServiceToken string
	RedisURL         string
	KafkaBrokers     []string
	KafkaTopic       string
	OTLPEndpoint     string
	RateLimitRPM     int
	CORSOrigins      []string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultJWTIssuer         = "orderflow"
	DefaultFeeRate           = "0.12"
	DefaultMaxOrderPrice     = 10_000_000
	DefaultMaxDeliveryDays   = 20
	DefaultMinWithdrawal     = 10_000
	DefaultNoResponseWindow  = 30 * 24 * time.Hour
	DefaultReleaseWindow     = 25 * 24 * time.Hour
	DefaultDisputeWindow     = 48 * time.Hour
	DefaultSweepInterval     = time.Hour
	DefaultPlatformAccountID = "platform"
	DefaultPaymentProvider   = "sandbox"
	DefaultXenditBaseURL     = "https://api.xendit.co"
	DefaultPaymentCurrency   = "IDR"
	DefaultKafkaTopic        = "orderflow.order-events"
	DefaultRateLimitRPM      = 120

	devJWTSecret = "dev-secret-do-not-use-in-production"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("FEE_RATE", DefaultFeeRate))
	if err != nil {
		return nil, fmt.Errorf("FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTIssuer:             getEnv("JWT_ISSUER", DefaultJWTIssuer),
		FeeRate:               feeRate,
		MaxOrderPrice:         getEnvInt64("MAX_ORDER_PRICE", DefaultMaxOrderPrice),
		MaxDeliveryDays:       int(getEnvInt64("MAX_DELIVERY_DAYS", DefaultMaxDeliveryDays)),
		MinWithdrawal:         getEnvInt64("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		NoResponseWindow:      getEnvDuration("NO_RESPONSE_WINDOW", DefaultNoResponseWindow),
		ReleaseWindow:         getEnvDuration("RELEASE_WINDOW", DefaultReleaseWindow),
		DisputeResponseWindow: getEnvDuration("DISPUTE_RESPONSE_WINDOW", DefaultDisputeWindow),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		PlatformAccountID:     getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccountID),
		PaymentProvider:       strings.ToLower(getEnv("PAYMENT_PROVIDER", DefaultPaymentProvider)),
		XenditAPIKey:          os.Getenv("XENDIT_API_KEY"),
		XenditBaseURL:         getEnv("XENDIT_BASE_URL", DefaultXenditBaseURL),
		PaymentCallbackToken:  os.Getenv("PAYMENT_CALLBACK_TOKEN"),
		PayoutCallbackToken:   os.Getenv("PAYOUT_CALLBACK_TOKEN"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentSuccessURL:     os.Getenv("PAYMENT_SUCCESS_URL"),
		PaymentCurrency:       getEnv("PAYMENT_CURRENCY", DefaultPaymentCurrency),
		ChatServiceURL:        os.Getenv("CHAT_SERVICE_URL"),
		ChatServiceToken:      os.Getenv("CHAT_SERVICE_TOKEN"),
		RedisURL:              os.Getenv("REDIS_URL"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_RATE must be in [0, 1)")
	}
	if c.MaxOrderPrice <= 0 {
		return fmt.Errorf("MAX_ORDER_PRICE must be positive")
	}
	if c.MaxDeliveryDays <= 0 {
		return fmt.Errorf("MAX_DELIVERY_DAYS must be positive")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID is required")
	}

	switch c.PaymentProvider {
	case "sandbox":
		if c.IsProduction() {
			return fmt.Errorf("PAYMENT_PROVIDER=sandbox is not allowed in production")
		}
	case "xendit":
		if c.XenditAPIKey == "" {
			return fmt.Errorf("XENDIT_API_KEY is required for the xendit provider")
		}
		if c.IsProduction() && c.PaymentCallbackToken == "" {
			return fmt.Errorf("PAYMENT_CALLBACK_TOKEN is required in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe provider")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}

	// Payouts go through Xendit; the sandbox stands in outside production.
	if c.IsProduction() && c.XenditAPIKey == "" {
		return fmt.Errorf("XENDIT_API_KEY is required in production for payouts")
	}
	if c.IsProduction() && c.PayoutCallbackToken == "" {
		return fmt.Errorf("PAYOUT_CALLBACK_TOKEN is required in production")
	}

	// Provider calls leave the network; an override must not point inside it.
	if c.XenditBaseURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.XenditBaseURL); err != nil {
			return fmt.Errorf("XENDIT_BASE_URL: %w", err)
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
