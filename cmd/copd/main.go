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

	"github.com/antoniostano/copd/internal/app"
	"github.com/antoniostano/copd/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	built, err := app.Build(cfg, nil)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("rubocop executor: %s (%s)", built.Executor.Mode, built.Executor.Detail)
	if built.Watcher != nil {
		log.Printf("watching %s (%d directories)", cfg.Workspace, built.Watcher.WatchedDirs())
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s (workspace %s, settings %s)", cfg.BindAddr, cfg.Workspace, built.Settings.Path())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := built.Cleanup(shutdownCtx); err != nil {
		log.Printf("cleanup failed: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
