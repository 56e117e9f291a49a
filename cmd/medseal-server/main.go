package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medseal/medseal/internal/config"
	"github.com/medseal/medseal/internal/domain/audit"
	"github.com/medseal/medseal/internal/domain/integrity"
	"github.com/medseal/medseal/internal/domain/record"
	"github.com/medseal/medseal/internal/platform/auth"
	"github.com/medseal/medseal/internal/platform/db"
	"github.com/medseal/medseal/internal/platform/middleware"
	"github.com/medseal/medseal/internal/platform/signing"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medseal-server",
		Short: "Clinical record integrity and provenance server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// verifyCmd runs a full integrity self-audit against the database: the audit
// chain is replayed from its anchor and every stored signature proof is
// re-verified. Exit status is non-zero when anything fails to verify, so the
// command can run from cron or a readiness gate.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit chain and all stored signature proofs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			signer, err := buildSigner(cfg)
			if err != nil {
				return err
			}

			auditSvc := audit.NewService(audit.NewRepoPG(pool), cfg.AuditPartition, logger)
			recordRepo := record.NewRepoPG(pool)
			integritySvc := integrity.NewService(recordRepo, auditSvc, signer, logger)

			report, err := integritySvc.SelfAudit(ctx)
			if err != nil {
				return fmt.Errorf("self-audit failed to run: %w", err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !report.Chain.Valid || len(report.InvalidSignatures) > 0 {
				return fmt.Errorf("integrity self-audit found problems: chain_valid=%t invalid_signatures=%d",
					report.Chain.Valid, len(report.InvalidSignatures))
			}
			fmt.Fprintln(os.Stderr, "Integrity self-audit passed.")
			return nil
		},
	}
}

// keygenCmd prints a fresh signing seed. The output goes to stdout only; this
// process never logs or persists key material.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key seed (hex) for SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := make([]byte, 32)
			if _, err := crypto_rand.Read(seed); err != nil {
				return fmt.Errorf("failed to generate key material: %w", err)
			}
			fmt.Println(hex.EncodeToString(seed))
			return nil
		},
	}
}

// buildSigner constructs the signer from configuration. An empty SIGNING_KEY
// yields a signer without key material: reads and drafts work, confirmation
// returns an explicit error. Validate rejects that combination in production.
func buildSigner(cfg *config.Config) (*signing.Signer, error) {
	if cfg.SigningKey == "" {
		return signing.NewSigner(nil), nil
	}
	keys, err := signing.NewStaticKeyProvider(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid SIGNING_KEY: %w", err)
	}
	return signing.NewSigner(keys), nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Signing and timestamping
	signer, err := buildSigner(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize signer")
	}
	if cfg.SigningKey == "" {
		logger.Warn().Msg("SIGNING_KEY not set; record confirmation is disabled")
	}

	var authority signing.TimestampAuthority
	if cfg.TSAURL != "" {
		authority = signing.NewHTTPTimestampAuthority(cfg.TSAURL)
		logger.Info().Str("url", cfg.TSAURL).Msg("trusted timestamp authority configured")
	}
	tsvc := signing.NewTimestampService(authority)

	// Services
	auditSvc := audit.NewService(audit.NewRepoPG(pool), cfg.AuditPartition, logger)

	recordRepo := record.NewRepoPG(pool)
	recordSvc := record.NewService(recordRepo, auditSvc, signer, tsvc,
		record.AmendmentPolicy(cfg.AmendmentPolicy), logger)

	integritySvc := integrity.NewService(recordRepo, auditSvc, signer, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Break-Glass"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Break-glass emergency access. Every override is persisted as a chained
	// CRITICAL ledger entry before the elevated request proceeds.
	recordOverride := middleware.EmergencyRecorderFunc(func(ctx context.Context, access middleware.EmergencyAccess) error {
		_, err := auditSvc.Append(ctx, audit.NewEntry{
			ActorID:      auth.ActorIDFromContext(ctx),
			Action:       audit.ActionEmergencyAccess,
			EntityType:   "emergency_access",
			EntityID:     access.Subject,
			ResourcePath: access.Path,
			IPAddress:    access.IPAddress,
			UserAgent:    access.UserAgent,
			Severity:     audit.SeverityCritical,
			Category:     audit.CategoryEmergency,
			Metadata: map[string]any{
				"reason": access.Reason,
				"method": access.Method,
			},
		})
		return err
	})
	e.Use(middleware.BreakGlass(logger, recordOverride))

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// Domain handlers
	record.NewHandler(recordSvc).RegisterRoutes(apiV1)
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	integrity.NewHandler(integritySvc).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
