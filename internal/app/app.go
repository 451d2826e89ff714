package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/cache"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/pipeline"
	"github.com/dunamismax/catalogfit/internal/runlock"
	"github.com/dunamismax/catalogfit/internal/storage"
	"github.com/dunamismax/catalogfit/internal/store"
	"github.com/dunamismax/catalogfit/internal/webhook"
)

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// lockTTLMargin keeps the run lock alive a little past the batch deadline.
const lockTTLMargin = 5 * time.Minute

// catalogStore is what one backend must provide for records, assets and run
// history.
type catalogStore interface {
	store.RecordStore
	store.AssetStore
	store.RunStore
}

// App holds the wired batch service and everything that must be closed with
// it.
type App struct {
	Service *batch.Service
	Metrics *batch.Metrics
	Config  config.Config

	closers []func() error
}

// Build wires stores, codec, cache, run lock, mirror and webhook around one
// batch service. The memory backend keeps everything in process and needs no
// external services.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	component := func(name string) *logrus.Entry { return logger.WithField("component", name) }

	if err := pipeline.Startup(component("codec")); err != nil {
		return nil, fmt.Errorf("start image codec: %w", err)
	}
	a.closers = append(a.closers, func() error { pipeline.Shutdown(); return nil })

	if err := os.MkdirAll(cfg.Catalog.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("uploads dir %s: %w", cfg.Catalog.UploadsDir, err)
	}

	catalog, settings, err := a.openStores(ctx, cfg, component("store"))
	if err != nil {
		return nil, err
	}

	geometry := domain.Geometry{Width: cfg.Catalog.TargetWidth, Height: cfg.Catalog.TargetHeight}
	if err := batch.BootstrapGeometry(ctx, settings, geometry); err != nil {
		return nil, err
	}

	sizes, err := config.LoadRenditionSizes(cfg.Catalog.RenditionsFile, geometry.Width, geometry.Height)
	if err != nil {
		return nil, err
	}

	var (
		invalidator interface {
			pipeline.CacheInvalidator
			batch.CategoryBumper
		}
		lock batch.RunLock
	)
	if cfg.Settings.Backend == BackendMemory {
		invalidator = cache.NewMemory()
		lock = runlock.NewMemory()
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		if lock, err = runlock.NewRedisLock(rdb, cfg.Cache.Prefix); err != nil {
			return nil, err
		}
		if cfg.Cache.Enabled {
			if invalidator, err = cache.NewRedisInvalidator(rdb, cfg.Cache.Prefix); err != nil {
				return nil, err
			}
		}
	}

	editor := pipeline.NewEditor(cfg.Catalog.JPEGQuality)
	generator := pipeline.NewSizeGenerator(editor, sizes, cfg.Catalog.UploadsDir, component("renditions"))

	var normalizerOpts []pipeline.NormalizerOption
	var runnerOpts []batch.RunnerOption
	if invalidator != nil {
		normalizerOpts = append(normalizerOpts, pipeline.WithCacheInvalidator(invalidator))
		runnerOpts = append(runnerOpts, batch.WithCategoryBumper(invalidator))
	}
	if cfg.Storage.MirrorEnabled {
		client, err := storage.NewClient(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		normalizerOpts = append(normalizerOpts, pipeline.WithPublisher(
			storage.NewMirror(client, cfg.Storage.Prefix, component("mirror")),
		))
	}

	normalizer := pipeline.NewNormalizer(catalog, editor, generator, geometry, cfg.Catalog.UploadsDir, component("normalizer"), normalizerOpts...)
	selector := batch.NewSelector(catalog, cfg.Catalog.RecordType)

	a.Metrics = batch.NewMetrics()
	runnerOpts = append(runnerOpts,
		batch.WithConcurrency(cfg.Catalog.Concurrency),
		batch.WithTimeout(cfg.Catalog.BatchTimeout),
		batch.WithMetrics(a.Metrics),
	)
	runner := batch.NewRunner(selector, pipeline.NewCollector(catalog), normalizer, settings, component("runner"), runnerOpts...)

	serviceOpts := []batch.ServiceOption{
		batch.WithRunLock(lock),
		batch.WithServiceMetrics(a.Metrics),
	}
	if cfg.Catalog.BatchTimeout > 0 {
		serviceOpts = append(serviceOpts, batch.WithLockTTL(cfg.Catalog.BatchTimeout+lockTTLMargin))
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" {
		serviceOpts = append(serviceOpts, batch.WithNotifier(webhook.NewClient(cfg.Webhook), cfg.Webhook.URL))
	}
	a.Service = batch.NewService(runner, selector, catalog, catalog, catalog, component("service"), serviceOpts...)

	logger.WithFields(logrus.Fields{
		"backend":     cfg.Settings.Backend,
		"uploads":     cfg.Catalog.UploadsDir,
		"geometry":    fmt.Sprintf("%dx%d", geometry.Width, geometry.Height),
		"renditions":  len(sizes),
		"concurrency": cfg.Catalog.Concurrency,
		"mirror":      cfg.Storage.MirrorEnabled,
	}).Info("catalog pipeline ready")

	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg config.Config, log *logrus.Entry) (catalogStore, store.SettingsStore, error) {
	switch cfg.Settings.Backend {
	case BackendMemory:
		mem := store.NewMemoryStore(cfg.Catalog.UploadsDir)
		return mem, mem, nil
	case BackendPostgres, BackendBadger:
	default:
		return nil, nil, fmt.Errorf("unsupported settings backend %q", cfg.Settings.Backend)
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Catalog.UploadsDir)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, pg.Close)
	if cfg.Settings.Backend == BackendPostgres {
		return pg, pg, nil
	}

	badger, err := store.NewBadgerSettingsStore(cfg.Settings.BadgerDir, log)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, badger.Close)
	return pg, badger, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
