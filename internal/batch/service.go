package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

var ErrRunInProgress = errors.New("a batch run is already in progress")

// Run sources recorded in run history.
const (
	SourceDirect    = "direct"
	SourceCLI       = "cli"
	SourceAPI       = "api"
	SourceQueue     = "queue"
	SourceScheduler = "scheduler"
)

const (
	EventRunCompleted = "run.completed"

	defaultLockTTL = 2 * time.Hour
)

// RunLock keeps two batch runs from overlapping, across processes when backed
// by a shared store.
type RunLock interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
}

// Notifier delivers run events to an external endpoint.
type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// RunResult is what the entry points report back to a caller.
type RunResult struct {
	Run          domain.Run           `json:"run"`
	Processed    int                  `json:"processed"`
	Verification *domain.Verification `json:"verification,omitempty"`
	Debug        string               `json:"debug"`
}

type Service struct {
	runner     *Runner
	selector   *Selector
	records    store.RecordStore
	assets     store.AssetStore
	runs       store.RunStore
	lock       RunLock
	notifier   Notifier
	webhookURL string
	metrics    *Metrics
	lockTTL    time.Duration
	log        *logrus.Entry
}

type ServiceOption func(*Service)

func WithRunLock(l RunLock) ServiceOption {
	return func(s *Service) { s.lock = l }
}

func WithNotifier(n Notifier, endpoint string) ServiceOption {
	return func(s *Service) {
		s.notifier = n
		s.webhookURL = endpoint
	}
}

func WithServiceMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithLockTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func NewService(
	runner *Runner,
	selector *Selector,
	records store.RecordStore,
	assets store.AssetStore,
	runs store.RunStore,
	logger *logrus.Entry,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		runner:   runner,
		selector: selector,
		records:  records,
		assets:   assets,
		runs:     runs,
		lockTTL:  defaultLockTTL,
		log:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) RunFull(ctx context.Context) (RunResult, error) {
	return s.Execute(ctx, domain.RunModeFull, SourceDirect)
}

func (s *Service) RunIncremental(ctx context.Context) (RunResult, error) {
	return s.Execute(ctx, domain.RunModeIncremental, SourceDirect)
}

// Run parses a mode selector ("all", "new" or an alias) and executes it.
// An unknown selector is rejected before anything is touched.
func (s *Service) Run(ctx context.Context, selector, source string) (RunResult, error) {
	mode, err := domain.ParseRunMode(selector)
	if err != nil {
		return RunResult{}, err
	}
	return s.Execute(ctx, mode, source)
}

// Execute runs one batch under the run lock and records it in run history.
func (s *Service) Execute(ctx context.Context, mode domain.RunMode, source string) (RunResult, error) {
	if !mode.Valid() {
		return RunResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}
	if source == "" {
		source = SourceDirect
	}

	runID := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{"run_id": runID, "mode": mode, "source": source})

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, runID, s.lockTTL)
		if err != nil {
			return RunResult{}, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return RunResult{}, ErrRunInProgress
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), runID); err != nil {
				log.Warnf("release run lock: %v", err)
			}
		}()
	}

	run := domain.Run{
		ID:        runID,
		Mode:      mode,
		Status:    domain.RunStatusRunning,
		Source:    source,
		StartedAt: time.Now().UTC(),
	}
	s.recordRun(ctx, run, log, true)
	log.Info("batch run started")

	res, runErr := s.runner.Run(ctx, mode)

	finished := time.Now().UTC()
	run.Records = res.Records
	run.Candidates = res.Candidates
	run.Processed = res.Processed
	run.Failed = res.Failed
	run.WatermarkBefore = res.WatermarkBefore
	run.WatermarkAfter = res.WatermarkAfter
	run.FinishedAt = &finished
	run.Status = domain.RunStatusSucceeded
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.Error = runErr.Error()
	}
	s.recordRun(context.WithoutCancel(ctx), run, log, false)

	if s.metrics != nil {
		s.metrics.runsTotal.WithLabelValues(string(mode), run.Status).Inc()
		s.metrics.runDuration.WithLabelValues(string(mode)).Observe(finished.Sub(run.StartedAt).Seconds())
	}
	s.notify(context.WithoutCancel(ctx), run, log)

	out := RunResult{Run: run, Processed: res.Processed}
	if runErr != nil {
		return out, runErr
	}

	if res.Processed > 0 {
		if v, err := s.SampleVerification(ctx); err != nil {
			log.Debugf("sample verification: %v", err)
		} else if v != nil {
			out.Verification = v
			out.Debug = fmt.Sprintf(" (Sample verification: %dx%d)", v.Width, v.Height)
		}
	}
	return out, nil
}

// VerifyDimensions reads back the on-disk size of one image.
func (s *Service) VerifyDimensions(ctx context.Context, imageID string) (*domain.Verification, error) {
	return VerifyDimensions(ctx, s.assets, imageID)
}

// SampleVerification verifies the primary image of the most recently
// published record. It returns nil when there is nothing to verify.
func (s *Service) SampleVerification(ctx context.Context) (*domain.Verification, error) {
	recordID, err := s.selector.Newest(ctx)
	if err != nil || recordID == "" {
		return nil, err
	}
	primary, err := s.records.PrimaryImageID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !domain.IsImageID(primary) {
		return nil, nil
	}
	return VerifyDimensions(ctx, s.assets, primary)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListRuns(ctx, limit)
}

func (s *Service) GetRun(ctx context.Context, id string) (domain.Run, bool, error) {
	if s.runs == nil {
		return domain.Run{}, false, nil
	}
	return s.runs.GetRun(ctx, id)
}

func (s *Service) recordRun(ctx context.Context, run domain.Run, log *logrus.Entry, create bool) {
	if s.runs == nil {
		return
	}
	var err error
	if create {
		err = s.runs.CreateRun(ctx, run)
	} else {
		err = s.runs.FinishRun(ctx, run)
	}
	if err != nil {
		log.Warnf("run history write failed: %v", err)
	}
}

func (s *Service) notify(ctx context.Context, run domain.Run, log *logrus.Entry) {
	if s.notifier == nil || s.webhookURL == "" {
		return
	}
	payload := map[string]any{
		"run_id":           run.ID,
		"mode":             run.Mode,
		"status":           run.Status,
		"source":           run.Source,
		"records":          run.Records,
		"candidates":       run.Candidates,
		"processed":        run.Processed,
		"failed":           run.Failed,
		"watermark_before": run.WatermarkBefore,
		"watermark_after":  run.WatermarkAfter,
		"started_at":       run.StartedAt,
		"finished_at":      run.FinishedAt,
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if err := s.notifier.Send(ctx, s.webhookURL, EventRunCompleted, payload); err != nil {
		log.Warnf("webhook delivery failed: %v", err)
	}
}
