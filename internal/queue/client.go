package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues walk jobs. Jobs live in this process's memory, so the
// queue must be private to the process and consumed by its own worker.
type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
	now     func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, jobTimeout time.Duration) *Client {
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: jobTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Queue() string {
	return c.queue
}

// Dispatch enqueues the job without retries; a failed run is final.
func (c *Client) Dispatch(ctx context.Context, jobID string) error {
	task, err := NewGenerateWalkTask(GenerateWalkPayload{JobID: jobID, RequestedAt: c.now()})
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, c.options()...); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
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
