package runner

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrDispatcherClosed = errors.New("dispatcher is shut down")

type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// LocalDispatcher runs every job on its own goroutine in this process. With
// maxActive > 0 at most that many jobs run at once and the rest stay queued
// until a slot frees up.
type LocalDispatcher struct {
	runner JobRunner
	sem    *semaphore.Weighted
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(runner JobRunner, maxActive int, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDispatcher{
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if maxActive > 0 {
		d.sem = semaphore.NewWeighted(int64(maxActive))
	}
	return d
}

// Dispatch starts the job in the background. The request context only
// guards the hand-off; the job itself outlives it.
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		if d.sem != nil {
			if err := d.sem.Acquire(d.ctx, 1); err != nil {
				d.logger.Warn("job never got a slot", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			defer d.sem.Release(1)
		}

		if err := d.runner.Run(d.ctx, jobID); err != nil {
			d.logger.Debug("job run returned error", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, in-flight jobs are cancelled and Shutdown returns ctx.Err().
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
