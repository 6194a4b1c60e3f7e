package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quicksoap/quicksoap/internal/config"
	"github.com/quicksoap/quicksoap/internal/domain/capture"
	"github.com/quicksoap/quicksoap/internal/domain/draftsync"
	"github.com/quicksoap/quicksoap/internal/domain/session"
	"github.com/quicksoap/quicksoap/internal/domain/soapnote"
	"github.com/quicksoap/quicksoap/internal/platform/audio"
	"github.com/quicksoap/quicksoap/internal/platform/auth"
	"github.com/quicksoap/quicksoap/internal/platform/db"
	"github.com/quicksoap/quicksoap/internal/platform/events"
	"github.com/quicksoap/quicksoap/internal/platform/gateway"
	"github.com/quicksoap/quicksoap/internal/platform/localstore"
	"github.com/quicksoap/quicksoap/internal/platform/middleware"
	"github.com/quicksoap/quicksoap/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quicksoap",
		Short: "Dictation to SOAP note engine",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(parseCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the device API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run record store migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withPool(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.UsesMemoryStore() {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// parseCmd splits a narrative read from stdin into SOAP sections.
func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse a narrative from stdin into SOAP sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if md, _ := cmd.Flags().GetBool("markdown"); md {
				format = string(soapnote.FormatMarkdown)
			}
			in, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			doc := soapnote.Parse(string(in))

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			f, err := soapnote.ParseFormat(format)
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, soapnote.SerializeAs(doc, f))
			return err
		},
	}
	cmd.Flags().String("format", "json", "Output format: json, plain or markdown")
	cmd.Flags().Bool("markdown", false, "Shorthand for --format markdown")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func sessionConfig(cfg *config.Config) (session.Config, error) {
	role, err := draftsync.ParseRole(cfg.DeviceRole)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Sync: draftsync.Config{
			Role:               role,
			UserID:             cfg.UserID,
			GraceWindow:        cfg.DeleteGraceWindow,
			RecheckDelay:       cfg.DeleteRecheckDelay,
			MirrorMobileDrafts: cfg.MirrorMobileDrafts,
			HandoffCacheTTL:    cfg.HandoffCacheTTL,
		},
		Capture: capture.Config{
			LargeAudioThreshold: cfg.LargeAudioBytes,
			TranscribeTimeout:   cfg.GatewayTimeout,
		},
	}, nil
}

func audioSource(cfg *config.Config, logger zerolog.Logger) capture.AudioSource {
	f := audio.DefaultFormat
	f.SampleRate = cfg.AudioSampleRate
	if cfg.AudioSource == "microphone" {
		return audio.NewMicrophoneSource(f, cfg.MaxAudioBytes, logger)
	}
	return audio.NewPushSource(f, cfg.MaxAudioBytes)
}

func gatewayConfig(cfg *config.Config, url string) gateway.Config {
	return gateway.Config{URL: url, APIKey: cfg.GatewayAPIKey, Timeout: cfg.GatewayTimeout}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	scfg, err := sessionConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid device role")
	}

	ctx := context.Background()

	// Record store
	var (
		records draftsync.RecordStore
		pool    *pgxpool.Pool
	)
	if cfg.UsesMemoryStore() {
		records = draftsync.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, records are kept in memory")
	} else {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		records = draftsync.NewRecordStorePG(pool)
		logger.Info().Msg("connected to database")
	}

	// Device-local storage
	local, err := localstore.Open(ctx, localstore.Options{
		Kind:        cfg.LocalStore,
		Path:        cfg.LocalStorePath,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local store")
	}
	defer local.Close()

	metrics, err := telemetry.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	hub := events.NewHub(logger)

	deps := session.Deps{
		Local:       local,
		Records:     records,
		Source:      audioSource(cfg, logger),
		Transcriber: gateway.NewTranscriber(gatewayConfig(cfg, cfg.TranscribeURL)),
		Generator:   gateway.NewGenerator(gatewayConfig(cfg, cfg.GeneratorURL)),
		Metrics:     metrics,
		Events:      hub,
	}
	if cfg.AudioArchiveDir != "" {
		deps.Archiver = audio.NewFileArchiver(cfg.AudioArchiveDir)
	}

	svc, err := session.New(ctx, scfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start session")
	}
	defer svc.Close()

	if rec, err := svc.Rehydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("rehydrate from record store failed")
	} else if rec != nil {
		logger.Info().Str("record_id", rec.ID.String()).Msg("rehydrated from record store")
	}

	e := newEcho(cfg, logger, metrics)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"role":    string(svc.Role()),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	session.NewHandler(svc).RegisterRoutes(apiV1)
	soapnote.NewHandler().RegisterRoutes(apiV1)
	events.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("role", cfg.DeviceRole).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.AudioBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(metrics.MetricsMiddleware())

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware(cfg.UserID))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Issuer:     cfg.AuthIssuer,
			UserID:     cfg.UserID,
			QueryParam: "access_token",
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}
