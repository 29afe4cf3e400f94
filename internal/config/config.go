package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	AuthProviderSupabase = "supabase"
	AuthProviderClerk    = "clerk"
)

type Config struct {
	Port   string
	AppEnv string

	DatabaseURL string
	RedisURL    string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string

	AuthProvider      string
	SupabaseJWTSecret string
	ClerkSecretKey    string

	LogLevel  string
	LogFormat string

	MetricsUser string
	MetricsPass string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	QuotaResetSchedule string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "3333"),
		AppEnv:              getEnv("APP_ENV", "development"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		AuthProvider:        strings.ToLower(getEnv("AUTH_PROVIDER", AuthProviderSupabase)),
		SupabaseJWTSecret:   os.Getenv("SUPABASE_JWT_SECRET"),
		ClerkSecretKey:      os.Getenv("CLERK_SECRET_KEY"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		MetricsUser:         os.Getenv("METRICS_USER"),
		MetricsPass:         os.Getenv("METRICS_PASS"),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		QuotaResetSchedule:  getEnv("QUOTA_RESET_SCHEDULE", "@hourly"),
	}

	var err error
	if cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "5"), 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "30")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
		if cfg.IsDevelopment() {
			cfg.LogFormat = "text"
		}
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Validate reports every missing or inconsistent setting needed to serve
// traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is not set"))
	}
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is not set"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is not set"))
	}
	switch c.AuthProvider {
	case AuthProviderSupabase:
		if c.SupabaseJWTSecret == "" {
			errs = append(errs, errors.New("SUPABASE_JWT_SECRET is not set"))
		}
	case AuthProviderClerk:
		if c.ClerkSecretKey == "" {
			errs = append(errs, errors.New("CLERK_SECRET_KEY is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_PROVIDER %q is not supported", c.AuthProvider))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
