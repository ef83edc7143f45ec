package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"
	"github.com/agentworkforce/canvasd/internal/canvas/storage"
	"github.com/agentworkforce/canvasd/internal/config"
	"github.com/agentworkforce/canvasd/internal/executor"
	"github.com/agentworkforce/canvasd/internal/httpapi"
	"github.com/agentworkforce/canvasd/internal/observability"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CANVASD_CONFIG"), "path to canvasd.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.InitLogger("canvasd", "info", "json")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := observability.InitLogger("canvasd", cfg.LogLevel, cfg.LogFormat)

	server, closeStore, err := buildServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize canvasd")
	}
	defer closeStore()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("canvasd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}

// buildServer wires store, executor and engine into the HTTP server. The
// returned func closes the store when it holds a connection pool.
func buildServer(cfg config.Config, logger zerolog.Logger) (*httpapi.Server, func(), error) {
	store, err := storage.Open(cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if closer, ok := store.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	var planExecutor canvas.PlanExecutor
	if cfg.ExecutorURL != "" {
		client, err := executor.NewHTTPPlanExecutor(executor.HTTPClientOptions{
			BaseURL:       cfg.ExecutorURL,
			TokenProvider: executor.StaticToken(cfg.ExecutorToken),
			HTTPClient:    &http.Client{Timeout: cfg.ExecutorTimeout},
			UserAgent:     "canvasd",
		})
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		planExecutor = client
	} else {
		logger.Warn().Msg("no plan executor configured; rollback requests will return 501")
	}

	engine := canvas.NewEngine(canvas.EngineOptions{
		Store:      store,
		Executor:   planExecutor,
		Logger:     logger,
		BatchSize:  cfg.BatchSize,
		LockTTL:    cfg.LockTTL,
		MaxLockTTL: cfg.MaxLockTTL,
	})
	server, err := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:    cfg.JWTSecret,
		JWTAudience:  cfg.JWTAudience,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return server, closeStore, nil
}
