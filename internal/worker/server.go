package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/queue"
	"github.com/dunamismax/latentwalk/internal/store"
)

type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

type Config struct {
	RedisOpt    asynq.RedisClientOpt
	Queue       string
	Concurrency int
	Registerer  prometheus.Registerer
}

// Server consumes this process's walk queue and hands each task to the
// runner. It runs inside the API process because jobs live in its memory.
type Server struct {
	logger  *zap.Logger
	server  *asynq.Server
	runner  JobRunner
	metrics *metrics
}

func NewServer(logger *zap.Logger, cfg Config, runner JobRunner) (*Server, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Server{
		logger:  logger,
		runner:  runner,
		metrics: newMetrics(cfg.Registerer),
	}
	s.server = asynq.NewServer(
		cfg.RedisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				cfg.Queue: 1,
			},
			Logger:   logger.Sugar(),
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

// Start begins consuming in the background.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateWalk, s.handleGenerateWalk)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

// Shutdown waits for active tasks to finish.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleGenerateWalk(ctx context.Context, task *asynq.Task) error {
	started := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.taskDuration.Observe(time.Since(started).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	payload, err := queue.ParseGenerateWalkPayload(task)
	if err != nil {
		outcome = "invalid"
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	s.logger.Debug("task picked up",
		zap.String("job_id", payload.JobID),
		zap.Duration("queued_for", time.Since(payload.RequestedAt)),
	)

	err = s.runner.Run(ctx, payload.JobID)
	switch {
	case err == nil:
		outcome = "done"
		return nil
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, domain.ErrInvalidTransition):
		// stale or duplicate task; the job is owned elsewhere
		outcome = "skipped"
		return fmt.Errorf("run job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	default:
		// the job is already recorded as failed
		outcome = "failed"
		return fmt.Errorf("run job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
}
