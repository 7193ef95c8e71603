// Package config loads the function configuration from the Lambda environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Usage store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all function configuration
type Config struct {
	Environment string `validate:"required"`
	Region      string `validate:"required"`
	Log         LogConfig
	Tables      TableConfig
	RateLimit   RateLimitConfig
	Telemetry   TelemetryConfig
	Auth        AuthConfig
	UsageStore  UsageStoreConfig
	Gemini      GeminiConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

// TableConfig names the DynamoDB tables
type TableConfig struct {
	UserUsage       string `validate:"required"`
	UserProfile     string `validate:"required"`
	MigrationStatus string `validate:"required"`
}

// RateLimitConfig holds the quota window and per-tier ceilings
type RateLimitConfig struct {
	Window       time.Duration `validate:"gt=0"`
	FreeLimit    int64         `validate:"gt=0"`
	PremiumLimit int64         `validate:"gt=0"`
}

// TelemetryConfig holds migration telemetry settings
type TelemetryConfig struct {
	TTLDays int `validate:"gte=0,lte=36500"` // 0 disables expiry
}

// AuthConfig holds identity settings
type AuthConfig struct {
	RequireTrustedIdentity bool
}

// UsageStoreConfig selects where quota counters live
type UsageStoreConfig struct {
	Backend  string `validate:"oneof=dynamodb redis memory"`
	RedisURL string `validate:"required_if=Backend redis"`
}

// GeminiConfig holds provider settings
type GeminiConfig struct {
	SecretID       string `validate:"required"`
	SecretKey      string `validate:"required"`
	Model          string `validate:"required"`
	Endpoint       string `validate:"omitempty,url"`
	SecretCacheTTL time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("log_level", "info")

	v.SetDefault("user_usage_table_name", "UserUsageTable")
	v.SetDefault("user_profile_table_name", "UserProfileTable")
	v.SetDefault("migration_status_table_name", "MigrationStatusTable")

	v.SetDefault("rate_limit_window_ms", int64(8*time.Hour/time.Millisecond))
	v.SetDefault("free_user_limit", 2)
	v.SetDefault("premium_user_limit", 25)
	v.SetDefault("migration_status_ttl_days", 0)
	v.SetDefault("require_cognito_auth", false)

	v.SetDefault("usage_store_backend", BackendDynamoDB)
	v.SetDefault("redis_url", "")

	v.SetDefault("gemini_secret_id", "prod/repvault-backend-ai/gemini-key")
	v.SetDefault("gemini_secret_key", "GeminiApiKeySecret")
	v.SetDefault("gemini_model", "gemini-2.0-flash")
	v.SetDefault("gemini_endpoint", "")
	v.SetDefault("secret_cache_ttl", 15*time.Minute)
}

// Load reads configuration from environment variables, falling back to
// built-in defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Environment: v.GetString("environment"),
		Region:      v.GetString("aws_region"),
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("log_level")),
		},
		Tables: TableConfig{
			UserUsage:       v.GetString("user_usage_table_name"),
			UserProfile:     v.GetString("user_profile_table_name"),
			MigrationStatus: v.GetString("migration_status_table_name"),
		},
		RateLimit: RateLimitConfig{
			Window:       time.Duration(v.GetInt64("rate_limit_window_ms")) * time.Millisecond,
			FreeLimit:    v.GetInt64("free_user_limit"),
			PremiumLimit: v.GetInt64("premium_user_limit"),
		},
		Telemetry: TelemetryConfig{
			TTLDays: v.GetInt("migration_status_ttl_days"),
		},
		Auth: AuthConfig{
			RequireTrustedIdentity: v.GetBool("require_cognito_auth"),
		},
		UsageStore: UsageStoreConfig{
			Backend:  strings.ToLower(v.GetString("usage_store_backend")),
			RedisURL: v.GetString("redis_url"),
		},
		Gemini: GeminiConfig{
			SecretID:       v.GetString("gemini_secret_id"),
			SecretKey:      v.GetString("gemini_secret_key"),
			Model:          v.GetString("gemini_model"),
			Endpoint:       v.GetString("gemini_endpoint"),
			SecretCacheTTL: v.GetDuration("secret_cache_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "local"
}
