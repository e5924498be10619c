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

	"luau-runner/internal/api"
	"luau-runner/internal/config"
	"luau-runner/internal/monitor"
	"luau-runner/internal/playground"
	"luau-runner/internal/sandbox"
	"luau-runner/internal/storage"
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

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment override")
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("refusing to start")
	}

	shutdownTracing := monitor.SetupTracing(cfg.Tracing)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	provider, err := sandbox.NewProvider(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Str("mode", cfg.Runtime.Mode).Msg("failed to initialise runtime")
	}

	// Initialize database (optional, history stays in memory without it)
	var db *storage.DB
	var history storage.HistoryStore = storage.NewMemoryStore()
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, history kept in memory")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("creating history schema failed, history kept in memory")
			db.Close()
			db = nil
		} else {
			defer db.Close()
			history = db
		}
	}

	var recorder storage.Recorder
	if cfg.History.Async {
		writer := storage.NewHistoryWriter(history, cfg.History.BufferSize)
		writer.OnWrite(metrics.RecordHistoryWrite)
		writer.Start()
		defer writer.Flush(10 * time.Second)
		recorder = writer
	} else {
		syncRec := storage.NewSyncRecorder(history)
		syncRec.OnWrite(metrics.RecordHistoryWrite)
		recorder = syncRec
	}

	sessions := playground.NewSessions(provider, cfg.Sessions.TTL, playground.Options{
		Recorder: recorder,
		Metrics:  metrics,
		Tracer:   monitor.NewTracer(),
		Detector: monitor.NewCodeDetector(),
		Timeout:  cfg.Runtime.Timeout,
	})
	sessions.SetLimit(cfg.Sessions.Max)
	sessions.Start()

	server := api.NewServer(cfg, sessions, provider, history, db, metrics)

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

		if err := sessions.Close(); err != nil {
			log.Error().Err(err).Msg("session close error")
		}
		if err := provider.Close(); err != nil {
			log.Error().Err(err).Msg("runtime close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("mode", provider.Mode()).
		Bool("db_enabled", db != nil).
		Bool("runtime_ready", provider.Ready()).
		Bool("tracing", cfg.Tracing.Enabled).
		Int("max_sessions", cfg.Sessions.Max).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}
