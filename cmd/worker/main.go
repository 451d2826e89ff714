package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/app"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/queue"
	"github.com/dunamismax/catalogfit/internal/telemetry"
	"github.com/dunamismax/catalogfit/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := app.NewLogger(cfg.Log)
	log := logger.WithField("component", "worker")
	ctx := context.Background()

	if cfg.Settings.Backend == app.BackendMemory {
		log.Fatal("the worker needs a shared settings backend; memory is process local")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger.WithField("component", "telemetry"))
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}

	catalog, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build pipeline: %v", err)
	}

	log.WithFields(logrus.Fields{
		"queue":       cfg.Queue.Name,
		"redis":       cfg.Queue.RedisAddr,
		"concurrency": cfg.Catalog.Concurrency,
		"cron":        cfg.Catalog.IncrementalCron,
	}).Info("starting worker")

	metricsServer := &http.Server{
		Addr:              cfg.API.MetricsAddr,
		Handler:           catalog.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server failed: %v", err)
		}
	}()

	var scheduler *queue.Scheduler
	if cfg.Catalog.IncrementalCron != "" {
		scheduler, err = queue.NewScheduler(
			cfg.Queue.RedisClientOpt(),
			cfg.Queue.Name,
			cfg.Catalog.IncrementalCron,
			cfg.Catalog.BatchTimeout,
			logger.WithField("component", "scheduler"),
		)
		if err != nil {
			log.Fatalf("scheduler setup failed: %v", err)
		}
		if err := scheduler.Start(); err != nil {
			log.Fatalf("scheduler start failed: %v", err)
		}
	}

	srv := worker.NewServer(log, cfg.Queue, catalog.Service, catalog.Metrics.Registerer())
	runErr := srv.Run()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("metrics server shutdown: %v", err)
	}
	if err := catalog.Close(); err != nil {
		log.Warnf("close pipeline: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnf("tracing shutdown: %v", err)
	}
	if runErr != nil {
		log.Fatalf("worker failed: %v", runErr)
	}
}
