package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient enqueues runs on queueName. A zero timeout lets asynq apply its
// default per-task deadline.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

// EnqueueRun queues a batch run. Runs are never retried by the queue; a
// failed run is repeated by the next request or schedule tick.
func (c *Client) EnqueueRun(ctx context.Context, payload RunPayload) (*asynq.TaskInfo, error) {
	task, err := NewRunTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options()...)
}

func (c *Client) options() []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
