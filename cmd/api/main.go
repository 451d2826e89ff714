package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dunamismax/catalogfit/internal/api"
	"github.com/dunamismax/catalogfit/internal/app"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/queue"
	"github.com/dunamismax/catalogfit/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := app.NewLogger(cfg.Log)
	log := logger.WithField("component", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger.WithField("component", "telemetry"))
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}

	catalog, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build pipeline: %v", err)
	}

	var queueClient *queue.Client
	if cfg.Settings.Backend != app.BackendMemory {
		queueClient = queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Catalog.BatchTimeout)
	}

	var server *api.Server
	if queueClient != nil {
		server = api.NewServer(log, catalog.Service, queueClient, catalog.Metrics.Registerer(), catalog.Metrics.Handler())
	} else {
		server = api.NewServer(log, catalog.Service, nil, catalog.Metrics.Registerer(), catalog.Metrics.Handler())
	}

	// Synchronous runs hold the request open for the whole batch.
	writeTimeout := time.Duration(0)
	if cfg.Catalog.BatchTimeout > 0 {
		writeTimeout = cfg.Catalog.BatchTimeout + time.Minute
	}
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("graceful shutdown failed: %v", err)
	}
	if queueClient != nil {
		if err := queueClient.Close(); err != nil {
			log.Warnf("queue client close error: %v", err)
		}
	}
	if err := catalog.Close(); err != nil {
		log.Warnf("close pipeline: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnf("tracing shutdown: %v", err)
	}
}
