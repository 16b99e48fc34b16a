package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mediassist/mediassist/internal/config"
	"github.com/mediassist/mediassist/internal/domain/access"
	"github.com/mediassist/mediassist/internal/domain/pipeline"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/platform/auth"
	"github.com/mediassist/mediassist/internal/platform/events"
	"github.com/mediassist/mediassist/internal/platform/middleware"
	"github.com/mediassist/mediassist/internal/platform/reporting"
)

const (
	revocationSweep = time.Minute
	storeTimeout    = 15 * time.Second
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	maxBodySize     = "64K"
	casesPath       = "/api/v1/cases"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mediassist-server",
		Short:        "Symptom intake and case record API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", true, "Apply pending migrations before serving")
	return cmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// submitTimeout bounds POST /api/v1/cases: waiting for a generation slot,
// the full generation budget and both store writes.
func submitTimeout(acquire, budget time.Duration) time.Duration {
	return acquire + budget + 2*storeTimeout
}

func runServer(migrate bool) error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env, os.Stdout)

	ctx := context.Background()
	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer be.Close()
	logger.Info().Str("driver", be.driver).Msg("connected to store")

	if migrate {
		n, err := be.migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	if cfg.IntakeEncryptionKey == "" {
		logger.Warn().Msg("INTAKE_ENCRYPTION_KEY not set; retained intake is stored unsealed")
	}

	issuer, err := newIssuer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token issuer")
	}
	revocations, err := newRevocationStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect revocation store")
	}
	defer revocations.Close()

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.GenerationProvider).Msg("failed to create generation client")
	}

	publisher := events.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()

	// Cases left pending by a previous process can never finish.
	marked, err := pipeline.ReconcileStale(ctx, be.store, cfg.StaleAfter(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("stale case reconciliation incomplete")
	} else if marked > 0 {
		logger.Warn().Int("cases", marked).Msg("marked interrupted cases failed")
	}

	principalSvc := principal.NewService(be.principals, issuer, revocations)
	orch := pipeline.New(be.store, generator, principalSvc, publisher, pipeline.Config{
		MaxConcurrency: cfg.GenerationMaxConcurrency,
		AcquireTimeout: cfg.GenerationTimeout,
		StoreTimeout:   storeTimeout,
		LogSnippets:    cfg.LogPHISnippets,
	}, logger)
	gate := access.NewGate(be.store)

	caseTimeout := submitTimeout(cfg.GenerationTimeout, generator.Budget())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.WriteTimeout = caseTimeout + 10*time.Second

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(auth.JWTMiddleware(issuer.Config(revocations)))
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.RequestTimeout(requestTimeout, map[string]time.Duration{
		casesPath: caseTimeout,
	}))
	e.Use(middleware.Audit(logger, casesPath))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", be.health)

	apiV1 := e.Group("/api/v1")
	principal.NewHandler(principalSvc).RegisterRoutes(e, apiV1)
	pipeline.NewHandler(orch, gate, principalSvc, logger).RegisterRoutes(apiV1)
	reporting.NewHandler(gate).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("provider", generator.Provider()).Str("model", generator.Model()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Detached case processing outlives its request; let it reach a
	// terminal state before the store closes.
	orch.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
