package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/domain"
)

const sourceScheduler = "scheduler"

// Scheduler enqueues an incremental run on a cron spec.
type Scheduler struct {
	scheduler *asynq.Scheduler
	entryID   string
}

func NewScheduler(redisOpt asynq.RedisClientOpt, queueName, cronSpec string, timeout time.Duration, logger *logrus.Entry) (*Scheduler, error) {
	cronSpec = strings.TrimSpace(cronSpec)
	if cronSpec == "" {
		return nil, fmt.Errorf("cron spec is required")
	}

	s := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.WarnLevel,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warnf("scheduled run not enqueued: %v", err)
				return
			}
			logger.WithField("task_id", info.ID).Info("scheduled incremental run enqueued")
		},
	})

	task, err := NewRunTask(RunPayload{
		Mode:   string(domain.RunModeIncremental),
		Source: sourceScheduler,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{queue: queueName, timeout: timeout}
	entryID, err := s.Register(cronSpec, task, c.options()...)
	if err != nil {
		return nil, fmt.Errorf("register cron %q: %w", cronSpec, err)
	}
	return &Scheduler{scheduler: s, entryID: entryID}, nil
}

// Run blocks until the process receives a termination signal.
func (s *Scheduler) Run() error {
	return s.scheduler.Run()
}

// Start runs the scheduler in the background until Shutdown.
func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
