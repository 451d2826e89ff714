package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/queue"
)

const defaultRunListLimit = 20

// RunService is the batch surface the HTTP layer drives.
type RunService interface {
	Run(ctx context.Context, selector, source string) (batch.RunResult, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, bool, error)
	VerifyDimensions(ctx context.Context, imageID string) (*domain.Verification, error)
}

type runEnqueuer interface {
	EnqueueRun(ctx context.Context, payload queue.RunPayload) (*asynq.TaskInfo, error)
}

type Server struct {
	log            *logrus.Entry
	runs           RunService
	queueClient    runEnqueuer
	metrics        *metrics
	metricsHandler http.Handler
	tracer         trace.Tracer
	mux            *http.ServeMux
}

// NewServer wires the routes. queueClient may be nil, in which case async
// run requests are refused. metricsHandler serves /metrics and should expose
// reg.
func NewServer(logger *logrus.Entry, runs RunService, queueClient runEnqueuer, reg prometheus.Registerer, metricsHandler http.Handler) *Server {
	s := &Server{
		log:            logger,
		runs:           runs,
		metrics:        newMetrics(reg),
		metricsHandler: metricsHandler,
		tracer:         otel.Tracer("catalogfit/api"),
		queueClient:    queueClient,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/images/{id}/dimensions", s.handleDimensions)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	Mode  string `json:"mode"`
	Async bool   `json:"async"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
		return
	}
	mode, err := domain.ParseRunMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "Invalid type"})
		return
	}

	if req.Async {
		s.enqueueRun(w, r, mode)
		return
	}

	// The run outlives a dropped client connection.
	res, err := s.runs.Run(context.WithoutCancel(r.Context()), req.Mode, batch.SourceAPI)
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": err.Error()})
		return
	case err != nil:
		s.log.WithField("run_id", res.Run.ID).Errorf("run failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "batch run failed",
			"run":     res.Run,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"resized":      res.Processed,
		"debug":        res.Debug,
		"run":          res.Run,
		"verification": res.Verification,
	})
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request, mode domain.RunMode) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "run queue is not configured"})
		return
	}

	info, err := s.queueClient.EnqueueRun(r.Context(), queue.RunPayload{
		Mode:        string(mode),
		RequestedAt: time.Now().UTC(),
		Source:      batch.SourceAPI,
	})
	if err != nil {
		s.log.Errorf("enqueue run failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to enqueue run"})
		return
	}
	s.metrics.runsEnqueued.WithLabelValues(string(mode)).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"mode":        mode,
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": info.NextProcessAt,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Errorf("list runs failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		s.log.WithField("run_id", id).Errorf("load run failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDimensions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := s.runs.VerifyDimensions(r.Context(), id)
	if err != nil {
		s.log.WithField("image_id", id).Errorf("verify dimensions failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read image"})
		return
	}
	if v == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "image file not found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
