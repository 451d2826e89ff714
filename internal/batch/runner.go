package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/pipeline"
	"github.com/dunamismax/catalogfit/internal/store"
)

// CategoryBumper invalidates a whole cache category. Optional.
type CategoryBumper interface {
	BumpCategoryVersion(ctx context.Context, category string) error
}

// Result is the tally of one batch run.
type Result struct {
	Mode            domain.RunMode
	Records         int
	Candidates      int
	Processed       int
	Failed          int
	Failures        map[string]int
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
}

type Runner struct {
	selector    *Selector
	collector   *pipeline.Collector
	normalizer  *pipeline.Normalizer
	settings    store.SettingsStore
	watermark   Watermark
	categories  CategoryBumper
	metrics     *Metrics
	concurrency int
	timeout     time.Duration
	log         *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time
	locks       *keyedMutex
}

type RunnerOption func(*Runner)

func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) { r.concurrency = max(1, n) }
}

// WithTimeout bounds a whole run. Zero means no bound.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

func WithCategoryBumper(b CategoryBumper) RunnerOption {
	return func(r *Runner) { r.categories = b }
}

func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func withClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(
	selector *Selector,
	collector *pipeline.Collector,
	normalizer *pipeline.Normalizer,
	settings store.SettingsStore,
	logger *logrus.Entry,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		selector:    selector,
		collector:   collector,
		normalizer:  normalizer,
		settings:    settings,
		watermark:   NewWatermark(settings),
		concurrency: 1,
		log:         logger,
		tracer:      otel.Tracer("catalogfit/batch"),
		now:         time.Now,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run normalises every image of every selected record and then advances the
// watermark once. Per-image failures only lower the processed count. When ctx
// ends first, dispatch stops, in-flight images finish, the watermark is left
// alone and the partial result is returned with the context error.
func (r *Runner) Run(ctx context.Context, mode domain.RunMode) (Result, error) {
	res := Result{Mode: mode, Failures: map[string]int{}}
	if !mode.Valid() {
		return res, fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "batch.run")
	span.SetAttributes(attribute.String("run.mode", string(mode)))
	defer span.End()

	res, err := r.run(ctx, mode, res)
	span.SetAttributes(
		attribute.Int("run.records", res.Records),
		attribute.Int("run.candidates", res.Candidates),
		attribute.Int("run.processed", res.Processed),
		attribute.Int("run.failed", res.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch run aborted")
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, mode domain.RunMode, res Result) (Result, error) {
	log := r.log.WithField("mode", mode)

	// A watermark that cannot be read counts as unset: full runs never use it
	// and incremental runs select everything. Advance overwrites it.
	before, err := r.watermark.Load(ctx)
	if err != nil {
		log.Warnf("ignoring stored watermark: %v", err)
		before = time.Time{}
	}
	res.WatermarkBefore = before

	normalizer := r.normalizer
	if g := LoadGeometry(ctx, r.settings, normalizer.Geometry(), log); g != normalizer.Geometry() {
		normalizer = normalizer.WithGeometry(g)
	}

	records, err := r.selector.Select(ctx, mode, before)
	if err != nil {
		return res, err
	}

	var (
		mu     sync.Mutex
		g      errgroup.Group
		selErr error
	)
	g.SetLimit(r.concurrency)

dispatch:
	for recordID, err := range records {
		if err != nil {
			selErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		res.Records++

		imageIDs, err := r.collector.Collect(ctx, recordID)
		if err != nil {
			log.WithField("record_id", recordID).Warnf("collect images: %v", err)
			continue
		}
		for _, imageID := range imageIDs {
			if ctx.Err() != nil {
				break dispatch
			}
			res.Candidates++
			g.Go(func() error {
				kind := r.normalizeOne(ctx, normalizer, recordID, imageID, log)
				mu.Lock()
				defer mu.Unlock()
				if kind == "ok" {
					res.Processed++
				} else {
					res.Failed++
					res.Failures[kind]++
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if selErr != nil {
		return res, fmt.Errorf("select records: %w", selErr)
	}
	if err := ctx.Err(); err != nil {
		log.Warnf("run interrupted after %d/%d images, watermark unchanged: %v", res.Processed, res.Candidates, err)
		return res, err
	}

	after, err := r.watermark.Advance(ctx, r.now())
	if err != nil {
		return res, err
	}
	res.WatermarkAfter = after
	if r.metrics != nil {
		r.metrics.watermark.Set(float64(after.Unix()))
	}

	if r.categories != nil {
		if err := r.categories.BumpCategoryVersion(ctx, domain.CacheCategoryImages); err != nil {
			log.Debugf("bump %s cache category: %v", domain.CacheCategoryImages, err)
		}
	}

	log.WithFields(logrus.Fields{
		"records":    res.Records,
		"candidates": res.Candidates,
		"processed":  res.Processed,
		"failed":     res.Failed,
	}).Info("batch run finished")
	return res, nil
}

// normalizeOne runs a single image under its per-image lock and returns the
// outcome label.
func (r *Runner) normalizeOne(ctx context.Context, n *pipeline.Normalizer, recordID, imageID string, log *logrus.Entry) string {
	unlock := r.locks.Lock(imageID)
	defer unlock()

	if r.metrics != nil {
		r.metrics.activeImages.Inc()
		defer r.metrics.activeImages.Dec()
	}
	started := time.Now()

	_, err := n.Normalize(ctx, imageID)
	kind := pipeline.FailureKind(err)
	if r.metrics != nil {
		r.metrics.imagesTotal.WithLabelValues(kind).Inc()
		r.metrics.imageDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"record_id": recordID,
			"image_id":  imageID,
			"kind":      kind,
		}).Warnf("image skipped: %v", err)
	}
	return kind
}

// keyedMutex serialises work on the same key. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
