package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env         string
	ListenAddr  string
	DatabaseURL string
	RedisURL    string
	SentryDSN   string

	// IssuerURL determines the `iss` claim of every token we sign and the
	// base of the discovery document.
	IssuerURL string

	// JWTSecret signs HS256 internal tokens (enrollment, legacy access).
	JWTSecret          string
	JWTExpiration      time.Duration
	RefreshTokenExpiry time.Duration

	// TenantDBEncryptionKey decrypts dedicated-tenant database passwords.
	// base64-encoded 32 bytes; required once any tenant runs dedicated.
	TenantDBEncryptionKey []byte

	// RefreshRequiresOfflineScope restricts refresh tokens on the
	// authorization-code grant to exchanges that asked for
	// offline_access. Default is off: every code exchange gets one.
	RefreshRequiresOfflineScope bool

	AllowPublicRegistration bool
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Env:                         getEnv("APP_ENV", "development"),
		ListenAddr:                  getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisURL:                    os.Getenv("REDIS_URL"),
		SentryDSN:                   os.Getenv("SENTRY_DSN"),
		IssuerURL:                   getEnv("ISSUER_URL", "http://localhost:8080"),
		JWTSecret:                   os.Getenv("JWT_SECRET"),
		JWTExpiration:               time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 1)) * time.Hour,
		RefreshTokenExpiry:          time.Duration(getEnvAsInt("REFRESH_TOKEN_EXPIRATION_DAYS", 30)) * 24 * time.Hour,
		RefreshRequiresOfflineScope: getEnvAsBool("REFRESH_REQUIRES_OFFLINE_SCOPE", false),
		AllowPublicRegistration:     getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", true),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}

	// The key is optional at boot: only tenants with dedicated isolation
	// need it, and the router fails loudly when it is missing for one.
	if raw := os.Getenv("TENANT_DB_ENCRYPTION_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return cfg, fmt.Errorf("TENANT_DB_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return cfg, fmt.Errorf("TENANT_DB_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.TenantDBEncryptionKey = key
	}

	return cfg, nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
