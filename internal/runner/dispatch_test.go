package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	ran     []string
}

func (r *blockingRunner) Run(ctx context.Context, jobID string) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	return nil
}

func TestLocalDispatcherHonoursCeiling(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 2, nil)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Dispatch(context.Background(), id))
	}

	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(runner.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	assert.Equal(t, int32(2), runner.peak.Load())
	assert.Len(t, runner.ran, 5)
}

func TestLocalDispatcherUnlimited(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 0, nil)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Dispatch(context.Background(), id))
	}
	require.Eventually(t, func() bool { return runner.active.Load() == 4 }, time.Second, 5*time.Millisecond)

	close(runner.release)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestLocalDispatcherDetachesFromRequestContext(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 0, nil)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(reqCtx, "job"))
	cancelReq()

	close(runner.release)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, []string{"job"}, runner.ran)
}

func TestLocalDispatcherShutdown(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 1, nil)
	require.NoError(t, d.Dispatch(context.Background(), "stuck"))
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)
	assert.Zero(t, runner.active.Load())

	assert.ErrorIs(t, d.Dispatch(context.Background(), "late"), ErrDispatcherClosed)
}
