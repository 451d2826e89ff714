package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/queue"
)

// RunExecutor executes a batch run for a mode selector.
type RunExecutor interface {
	Run(ctx context.Context, selector, source string) (batch.RunResult, error)
}

type Server struct {
	log     *logrus.Entry
	server  *asynq.Server
	runs    RunExecutor
	metrics *metrics
	tracer  trace.Tracer
}

// NewServer consumes run tasks one at a time; the run lock would refuse a
// second concurrent run anyway.
func NewServer(logger *logrus.Entry, queueCfg config.QueueConfig, runs RunExecutor, reg prometheus.Registerer) *Server {
	return &Server{
		log: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: 1,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.WarnLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					logger.WithField("task_type", task.Type()).Warnf("task failed: %v", err)
				}),
			},
		),
		runs:    runs,
		metrics: newMetrics(reg),
		tracer:  otel.Tracer("catalogfit/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCatalogRun, s.handleRun)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleRun(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.RunStatusFailed

	payload, err := queue.ParseRunPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	source := payload.Source
	if source == "" {
		source = batch.SourceQueue
	}

	ctx, span := s.tracer.Start(ctx, "worker.catalog_run", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("run.mode", payload.Mode),
		attribute.String("run.source", source),
	)
	defer span.End()

	s.metrics.activeTasks.Inc()
	defer func() {
		s.metrics.activeTasks.Dec()
		s.metrics.tasksTotal.WithLabelValues(source, status).Inc()
		s.metrics.taskDuration.WithLabelValues(source, status).Observe(time.Since(startedAt).Seconds())
	}()

	log := s.log.WithFields(logrus.Fields{"mode": payload.Mode, "source": source})
	if !payload.RequestedAt.IsZero() {
		log = log.WithField("queued_for", time.Since(payload.RequestedAt).Round(time.Millisecond))
	}
	log.Info("run task received")

	res, err := s.runs.Run(ctx, payload.Mode, source)
	switch {
	case errors.Is(err, domain.ErrInvalidMode):
		span.SetStatus(codes.Error, "invalid mode")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, batch.ErrRunInProgress):
		status = "skipped"
		log.Info("another run holds the lock, task dropped")
		span.SetStatus(codes.Ok, "skipped")
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return fmt.Errorf("catalog run %s: %w", res.Run.ID, err)
	}

	status = domain.RunStatusSucceeded
	span.SetAttributes(attribute.String("run.id", res.Run.ID), attribute.Int("run.processed", res.Processed))
	span.SetStatus(codes.Ok, "processed")
	log.WithFields(logrus.Fields{
		"run_id":    res.Run.ID,
		"processed": res.Processed,
		"failed":    res.Run.Failed,
	}).Info("run task finished")
	return nil
}
