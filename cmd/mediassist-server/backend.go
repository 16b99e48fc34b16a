package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mediassist/mediassist/internal/config"
	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/platform/auth"
	"github.com/mediassist/mediassist/internal/platform/db"
	"github.com/mediassist/mediassist/internal/platform/hipaa"
	"github.com/mediassist/mediassist/internal/platform/llm"
	"github.com/mediassist/mediassist/migrations"
)

// backend is the storage selected by STORE_DRIVER.
type backend struct {
	driver     string
	store      casefile.Store
	principals principal.Repository
	migrator   *db.Migrator
	health     echo.HandlerFunc
	close      func()
}

func (b *backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// openBackend connects to the configured store. Retained intake is sealed
// when INTAKE_ENCRYPTION_KEY is set.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	var opts []casefile.Option
	if cfg.IntakeEncryptionKey != "" {
		sealer, err := hipaa.NewIntakeSealerFromHex(cfg.IntakeEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("intake sealer: %w", err)
		}
		opts = append(opts, casefile.WithSealer(sealer))
	}

	switch cfg.StoreDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &backend{
			driver:     cfg.StoreDriver,
			store:      casefile.NewPGStore(pool, opts...),
			principals: principal.NewPGRepo(pool),
			migrator:   db.NewMigrator(db.NewPGDriver(pool, ""), migrations.Postgres()),
			health:     db.HealthHandler(pool),
			close:      pool.Close,
		}, nil
	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{
			driver:     cfg.StoreDriver,
			store:      casefile.NewSQLiteStore(sqlDB, opts...),
			principals: principal.NewSQLiteRepo(sqlDB),
			migrator:   db.NewMigrator(db.NewSQLDriver(sqlDB), migrations.SQLite()),
			health:     db.SQLHealthHandler(sqlDB),
			close:      func() { _ = sqlDB.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newIssuer builds the token issuer. Outside production a missing signing
// key is replaced by a random one, so tokens do not survive a restart.
func newIssuer(cfg *config.Config, logger zerolog.Logger) (*auth.Issuer, error) {
	var key []byte
	if cfg.AuthSigningKey != "" {
		b, err := hex.DecodeString(cfg.AuthSigningKey)
		if err != nil {
			return nil, fmt.Errorf("decode AUTH_SIGNING_KEY: %w", err)
		}
		key = b
	} else {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
		key = make([]byte, 32)
		if _, err := crypto_rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; using a random key, issued tokens end with this process")
	}
	return auth.NewIssuer(key, cfg.AuthIssuer, cfg.AuthTokenTTL)
}

type revocationStore interface {
	auth.RevocationStore
	Close() error
}

func newRevocationStore(ctx context.Context, cfg *config.Config) (revocationStore, error) {
	if cfg.RedisURL == "" {
		return auth.NewMemoryRevocationStore(revocationSweep), nil
	}
	return auth.NewRedisRevocationStoreFromURL(ctx, cfg.RedisURL)
}

// newGenerator wraps the configured provider in the retry and timeout
// policy.
func newGenerator(ctx context.Context, cfg *config.Config) (*llm.Client, error) {
	var (
		p   llm.Provider
		err error
	)
	switch cfg.GenerationProvider {
	case "http":
		p = llm.NewHTTPProvider(cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.GenerationModel)
	default:
		p, err = llm.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GenerationModel)
		if err != nil {
			return nil, err
		}
	}
	return llm.NewClient(p, llm.Config{
		Timeout:     cfg.GenerationTimeout,
		MaxAttempts: cfg.GenerationMaxAttempts,
	}), nil
}
