package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/app"
	"github.com/ent0n29/chatstream/internal/config"
	"github.com/ent0n29/chatstream/internal/observability"
)

func main() {
	boot, _ := observability.NewLogger("info", "json", os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal("config error", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("upstream", built.Upstream),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
