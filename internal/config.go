package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Application base URL (for PayPal return/cancel links)
	BaseURL string

	// Identity token verification
	// Tokens are minted by the external identity provider and verified here
	// with a shared secret.
	AuthTokenSecret string

	// Usage store call budget. Admission checks fail closed when exceeded.
	StoreTimeout time.Duration

	// Upload limits enforced at the merge endpoint
	MergeMaxFiles     int
	MergeMaxFileBytes int64  // per uploaded file
	MergeMaxBytes     int64  // aggregate request body

	// PayPal Billing Configuration
	// These are required in production. In development, billing handlers
	// function as stubs if these are empty.
	PayPalClientID  string
	PayPalSecret    string
	PayPalWebhookID string // webhook id used for transmission signature verification
	PayPalLive      bool   // false targets the sandbox API

	// PayPal plan IDs for paid tiers
	PayPalProPlanID        string
	PayPalEnterprisePlanID string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		AuthTokenSecret: getEnv("AUTH_TOKEN_SECRET", ""),

		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 3*time.Second),

		MergeMaxFiles:     getEnvInt("MERGE_MAX_FILES", 10),
		MergeMaxFileBytes: getEnvInt64("MERGE_MAX_FILE_BYTES", 25<<20),
		MergeMaxBytes:     getEnvInt64("MERGE_MAX_BYTES", 100<<20),

		// PayPal billing (optional, stubs work without these)
		PayPalClientID:  getEnv("PAYPAL_CLIENT_ID", ""),
		PayPalSecret:    getEnv("PAYPAL_SECRET", ""),
		PayPalWebhookID: getEnv("PAYPAL_WEBHOOK_ID", ""),
		PayPalLive:      getEnvBool("PAYPAL_LIVE", false),

		PayPalProPlanID:        getEnv("PAYPAL_PRO_PLAN_ID", ""),
		PayPalEnterprisePlanID: getEnv("PAYPAL_ENTERPRISE_PLAN_ID", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.Env != "development" {
		if cfg.AuthTokenSecret == "" {
			return nil, fmt.Errorf("AUTH_TOKEN_SECRET is required outside development")
		}
		if cfg.PayPalClientID == "" || cfg.PayPalSecret == "" {
			return nil, fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_SECRET are required outside development")
		}
		if cfg.PayPalWebhookID == "" {
			return nil, fmt.Errorf("PAYPAL_WEBHOOK_ID is required outside development")
		}
	}

	if cfg.MergeMaxFiles < 2 {
		return nil, fmt.Errorf("MERGE_MAX_FILES must be at least 2, got: %d", cfg.MergeMaxFiles)
	}
	if cfg.MergeMaxFileBytes <= 0 || cfg.MergeMaxBytes <= 0 {
		return nil, fmt.Errorf("merge size ceilings must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
