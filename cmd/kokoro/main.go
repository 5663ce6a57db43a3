package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kokoro-live/kokoro/internal/app"
	"github.com/kokoro-live/kokoro/internal/config"
	"github.com/kokoro-live/kokoro/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	built, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalw("build failed", "err", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warnw("cleanup failed", "err", err)
		}
	}()
	logger.Infow("voice provider resolved", "provider", built.Info.Provider, "detail", built.Info.Detail)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Infow("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("listen error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infow("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := built.API.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("websocket shutdown incomplete", "err", err)
	}
	// Pending transcript saves must land before Cleanup closes the store.
	if err := built.Voice.StopAll(shutdownCtx); err != nil {
		logger.Warnw("voice shutdown incomplete", "err", err)
	}

	logger.Infow("shutdown complete")
}
