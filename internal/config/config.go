package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	StoreDriver              string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath               string        `mapstructure:"SQLITE_PATH"`
	AuthSigningKey           string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer               string        `mapstructure:"AUTH_ISSUER"`
	AuthTokenTTL             time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	IntakeEncryptionKey      string        `mapstructure:"INTAKE_ENCRYPTION_KEY"`
	GenerationProvider       string        `mapstructure:"GENERATION_PROVIDER"`
	GeminiAPIKey             string        `mapstructure:"GEMINI_API_KEY"`
	GenerationModel          string        `mapstructure:"GENERATION_MODEL"`
	GenerationBaseURL        string        `mapstructure:"GENERATION_BASE_URL"`
	GenerationAPIKey         string        `mapstructure:"GENERATION_API_KEY"`
	GenerationTimeout        time.Duration `mapstructure:"GENERATION_TIMEOUT"`
	GenerationMaxAttempts    int           `mapstructure:"GENERATION_MAX_ATTEMPTS"`
	GenerationMaxConcurrency int64         `mapstructure:"GENERATION_MAX_CONCURRENCY"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	KafkaBrokers             []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic               string        `mapstructure:"KAFKA_TOPIC"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	LogPHISnippets           bool          `mapstructure:"LOG_PHI_SNIPPETS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_TOKEN_TTL",
	"INTAKE_ENCRYPTION_KEY", "GENERATION_PROVIDER", "GEMINI_API_KEY", "GENERATION_MODEL",
	"GENERATION_BASE_URL", "GENERATION_API_KEY", "GENERATION_TIMEOUT",
	"GENERATION_MAX_ATTEMPTS", "GENERATION_MAX_CONCURRENCY", "REDIS_URL",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LOG_PHI_SNIPPETS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "mediassist.db")
	v.SetDefault("AUTH_ISSUER", "mediassist")
	v.SetDefault("AUTH_TOKEN_TTL", "8h")
	v.SetDefault("GENERATION_PROVIDER", "gemini")
	v.SetDefault("GENERATION_MODEL", "gemini-2.5-flash")
	v.SetDefault("GENERATION_TIMEOUT", "30s")
	v.SetDefault("GENERATION_MAX_ATTEMPTS", 3)
	v.SetDefault("GENERATION_MAX_CONCURRENCY", 8)
	v.SetDefault("KAFKA_TOPIC", "case-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("LOG_PHI_SNIPPETS", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: A random token signing key is used unless AUTH_SIGNING_KEY is set,")
		log.Println("WARNING: and retained intake is stored unsealed without INTAKE_ENCRYPTION_KEY.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalizes a comma separated env value. The decoded slice is
// only used when no raw string is available.
func splitList(parsed []string, raw string) []string {
	if raw == "" {
		return parsed
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// token signing key, the intake encryption key and a provider credential are
// all required.
func (c *Config) Validate() error {
	if c.StoreDriver != "postgres" && c.StoreDriver != "sqlite" {
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.StoreDriver)
	}
	if c.GenerationProvider != "gemini" && c.GenerationProvider != "http" {
		return fmt.Errorf("GENERATION_PROVIDER must be \"gemini\" or \"http\", got %q", c.GenerationProvider)
	}
	if c.GenerationProvider == "http" && c.GenerationBaseURL == "" {
		return fmt.Errorf("GENERATION_BASE_URL is required when GENERATION_PROVIDER is http")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive, got %s", c.GenerationTimeout)
	}
	if c.GenerationMaxAttempts < 1 || c.GenerationMaxAttempts > 5 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be between 1 and 5, got %d", c.GenerationMaxAttempts)
	}
	if c.GenerationMaxConcurrency < 1 {
		return fmt.Errorf("GENERATION_MAX_CONCURRENCY must be at least 1, got %d", c.GenerationMaxConcurrency)
	}

	if c.IsProduction() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
		if c.IntakeEncryptionKey == "" {
			return fmt.Errorf("INTAKE_ENCRYPTION_KEY is required in production")
		}
		if c.ProviderCredential() == "" {
			return fmt.Errorf("a generation provider credential is required in production")
		}
	}

	if c.AuthSigningKey != "" {
		keyBytes, err := hex.DecodeString(c.AuthSigningKey)
		if err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.IntakeEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.IntakeEncryptionKey)
		if err != nil {
			return fmt.Errorf("INTAKE_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("INTAKE_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	return nil
}

// ProviderCredential returns the credential for the configured provider.
func (c *Config) ProviderCredential() string {
	if c.GenerationProvider == "http" {
		return c.GenerationAPIKey
	}
	return c.GeminiAPIKey
}

// StaleAfter is how long a case may sit in pending before startup
// reconciliation treats it as interrupted.
func (c *Config) StaleAfter() time.Duration {
	return 2 * c.GenerationTimeout * time.Duration(c.GenerationMaxAttempts)
}
