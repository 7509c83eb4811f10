package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/limsuite/interface-engine/internal/config"
	"github.com/limsuite/interface-engine/internal/domain/audit"
	"github.com/limsuite/interface-engine/internal/domain/endpoint"
	"github.com/limsuite/interface-engine/internal/domain/job"
	"github.com/limsuite/interface-engine/internal/engine"
	"github.com/limsuite/interface-engine/internal/platform/auth"
	"github.com/limsuite/interface-engine/internal/platform/db"
	"github.com/limsuite/interface-engine/internal/platform/hl7v2"
	"github.com/limsuite/interface-engine/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "integration-server",
		Short: "LIMS interface integration engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and MLLP listener",
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

// sweepCmd runs the scheduler loop without the HTTP surface, for deploying
// dedicated worker processes next to the API.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the queue and ack sweeps without the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng := buildEngine(cfg, pool, logger)
			eng.Run(ctx, cfg.SweepEvery(), cfg.SweepBatchSize)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func buildEngine(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *engine.Engine {
	endpoints := endpoint.NewService(endpoint.NewRepoPG(pool))
	jobs := job.NewRepoPG(pool)
	audits := audit.NewRepoPG(pool)

	return engine.New(endpoints, jobs, audits, logger,
		engine.WithWorkers(cfg.WorkerCount),
		engine.WithDispatcher(engine.NewTransportDispatcher(cfg.DispatchDeadline())),
		engine.WithDefaultEscalation(cfg.EscalationGroup),
	)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	endpoints := endpoint.NewService(endpoint.NewRepoPG(pool))
	jobs := job.NewRepoPG(pool)
	audits := audit.NewRepoPG(pool)

	eng := engine.New(endpoints, jobs, audits, logger,
		engine.WithWorkers(cfg.WorkerCount),
		engine.WithDispatcher(engine.NewTransportDispatcher(cfg.DispatchDeadline())),
		engine.WithDefaultEscalation(cfg.EscalationGroup),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("4M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Message-Type", "X-External-UID"},
	}))

	e.GET("/health", db.HealthHandler(pool))

	api := e.Group("/api/v1")
	operator := api
	if cfg.JWTSigningKey != "" || !cfg.IsDev() {
		api.Use(auth.Middleware(auth.Config{SigningKey: []byte(cfg.JWTSigningKey)}))
		operator = api.Group("", auth.RequireRole(auth.RoleOperator))
	}

	engine.NewHandler(eng, jobs, audits).RegisterRoutes(api)
	endpoint.NewHandler(endpoints).RegisterRoutes(operator)

	// MLLP listener for instruments that speak HL7v2 over raw TCP.
	var mllp *hl7v2.MLLPServer
	if cfg.MLLPListenAddr != "" {
		mllp = hl7v2.NewMLLPServer(cfg.MLLPListenAddr, mllpHandler(eng, cfg.MLLPEndpoint, logger), logger)
		if err := mllp.Start(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.MLLPListenAddr).Msg("failed to start mllp listener")
		}
		logger.Info().Str("addr", mllp.Addr()).Str("endpoint", cfg.MLLPEndpoint).Msg("mllp listener started")
	}

	// Background sweeps: due-job processing and ack timeout escalation.
	go eng.Run(ctx, cfg.SweepEvery(), cfg.SweepBatchSize)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("http server started")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if mllp != nil {
		if err := mllp.Stop(); err != nil {
			logger.Error().Err(err).Msg("mllp shutdown error")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	return nil
}

// mllpHandler bridges framed HL7v2 deliveries into the engine and answers
// with the HL7 ACK the sender expects: AA when the job was accepted and
// processed, AE when it failed validation or was rejected outright.
func mllpHandler(eng *engine.Engine, endpointCode string, logger zerolog.Logger) hl7v2.MessageHandler {
	return func(raw []byte, remoteAddr string) *hl7v2.Message {
		msg, err := hl7v2.Parse(raw)
		if err != nil {
			logger.Warn().Err(err).Str("remote", remoteAddr).Msg("unparseable mllp message")
			return nil
		}

		host := remoteAddr
		if i := strings.LastIndex(remoteAddr, ":"); i > 0 {
			host = remoteAddr[:i]
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		j, err := eng.Ingest(ctx, endpointCode, messageTypeFor(msg), raw, msg.ControlID, host, "")
		if err != nil {
			logger.Warn().Err(err).Str("remote", remoteAddr).Msg("mllp ingest rejected")
			return hl7v2.GenerateACK(msg, "AE")
		}

		ack := "AA"
		if j.State == job.StateFailed {
			ack = "AE"
		}
		return hl7v2.GenerateACK(msg, ack)
	}
}

// messageTypeFor maps the HL7 trigger to the engine's message taxonomy.
func messageTypeFor(msg *hl7v2.Message) job.MessageType {
	switch {
	case strings.HasPrefix(msg.Type, "ORM"), strings.HasPrefix(msg.Type, "OML"):
		return job.TypeOrder
	case strings.HasPrefix(msg.Type, "ADT"):
		return job.TypePatientMaster
	case strings.HasPrefix(msg.Type, "ACK"):
		return job.TypeAck
	default:
		return job.TypeResult
	}
}
