package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/api"
	"cyberlab-engine/internal/budget"
	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/config"
	"cyberlab-engine/internal/engine"
	"cyberlab-engine/internal/monitor"
	"cyberlab-engine/internal/netiso"
	"cyberlab-engine/internal/pipeline"
	"cyberlab-engine/internal/proxy"
	"cyberlab-engine/internal/reaper"
	"cyberlab-engine/internal/store"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// The store is load-bearing: sessions, budget state, orphan findings
	// and the pipeline all live in Postgres.
	dsn := cfg.Database.DSN
	if env := os.Getenv("DATABASE_URL"); env != "" {
		dsn = env
	}
	if dsn == "" {
		log.Fatal().Msg("database.dsn (or DATABASE_URL) is required")
	}
	// pgx has no idle cap; the idle setting sizes the warm minimum instead.
	db, err := store.New(ctx, dsn, store.PoolConfig{
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	auditWriter := store.NewAuditWriter(db, 10000)
	auditWriter.Start()
	defer auditWriter.Flush(10 * time.Second)

	// Cloud adapter with retry and per-call timeouts.
	local, err := cloud.NewLocalAdapter(ctx, cfg.Cloud.ContainerdSocket, cfg.Cloud.Namespace)
	if err != nil {
		log.Fatal().Err(err).Str("socket", cfg.Cloud.ContainerdSocket).Msg("failed to connect to containerd")
	}
	defer local.Close()
	var adapter cloud.Adapter = cloud.WithRetry(local, cfg.Cloud.MaxRetries, cfg.Cloud.CallTimeout)
	adapter = cloud.WithInstrumentation(adapter, metrics.CloudCallDuration)

	isolator := netiso.New(adapter, db, cfg.Cloud.MaxRetries)

	monitorSvc := budget.New(db, budget.Config{
		MonthlyLimit:     cfg.Budget.MonthlyLimit,
		AlertThreshold:   cfg.Budget.AlertThreshold,
		GracePeriodHours: cfg.Budget.GracePeriodHours,
		AutoShutdown:     cfg.Budget.AutoShutdown,
		Currency:         cfg.Budget.Currency,
	})

	reaperSvc := reaper.New(adapter, db,
		cfg.Sessions.DefaultHourlyRate,
		cfg.Sessions.HeartbeatStaleAfter,
		cfg.Sessions.OrphanIgnoreCooldown,
	)

	pipelineSvc := pipeline.New(db, adapter, auditWriter, pipeline.Config{
		AutoPromoteAllowed: cfg.Pipeline.AutoPromote,
		ScanRequired:       cfg.Pipeline.ScanRequired,
		StagingRegistry:    cfg.Cloud.StagingRegistry,
		ProductionRegistry: cfg.Cloud.ProductionRegistry,
	})

	if cfg.Egress.Enabled {
		gateway := proxy.New(cfg.Egress.Port, cfg.Egress.Secret, cfg.Egress.AllowedHosts)
		if err := gateway.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Egress.Port).Msg("failed to start egress gateway")
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := gateway.Close(closeCtx); err != nil {
				log.Error().Err(err).Msg("egress gateway shutdown error")
			}
		}()
	}

	orch := engine.New(db, adapter, isolator, monitorSvc, reaperSvc, auditWriter, metrics, cfg.Sessions)

	loops := engine.NewLoops(orch,
		cfg.Budget.TickInterval,
		cfg.Sessions.SweepInterval,
		cfg.Sessions.ReconcileInterval,
	)
	loops.Start(ctx)
	defer loops.Stop()

	handlers := api.NewHandlers(orch, monitorSvc, reaperSvc, pipelineSvc, db)
	server := api.NewServer(cfg, handlers, db, adapter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Float64("monthly_limit", cfg.Budget.MonthlyLimit).
		Str("currency", cfg.Budget.Currency).
		Bool("auto_shutdown", cfg.Budget.AutoShutdown).
		Msg("engine starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
