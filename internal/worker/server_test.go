package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/queue"
	"github.com/dunamismax/latentwalk/internal/store"
)

type stubRunner struct {
	err  error
	jobs []string
}

func (r *stubRunner) Run(_ context.Context, jobID string) error {
	r.jobs = append(r.jobs, jobID)
	return r.err
}

func newTestServer(runner JobRunner) *Server {
	return &Server{
		logger:  zap.NewNop(),
		runner:  runner,
		metrics: newMetrics(prometheus.NewRegistry()),
	}
}

func generateTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	task, err := queue.NewGenerateWalkTask(queue.GenerateWalkPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func TestHandleGenerateWalkRunsJob(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)

	if err := s.handleGenerateWalk(context.Background(), generateTask(t, "job-1")); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(runner.jobs) != 1 || runner.jobs[0] != "job-1" {
		t.Fatalf("expected runner to run job-1, got %v", runner.jobs)
	}
	if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues("done")); got != 1 {
		t.Fatalf("expected one done task, got %v", got)
	}
}

func TestHandleGenerateWalkNeverRetries(t *testing.T) {
	cases := map[string]struct {
		err     error
		outcome string
	}{
		"unknown job":     {err: fmt.Errorf("start job x: %w", store.ErrJobNotFound), outcome: "skipped"},
		"already started": {err: fmt.Errorf("start job x: %w", domain.ErrInvalidTransition), outcome: "skipped"},
		"job failed":      {err: errors.New("decode frame 3/16: boom"), outcome: "failed"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(&stubRunner{err: tc.err})

			err := s.handleGenerateWalk(context.Background(), generateTask(t, "x"))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
			if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(tc.outcome)); got != 1 {
				t.Fatalf("expected outcome %s to be counted, got %v", tc.outcome, got)
			}
		})
	}
}

func TestHandleGenerateWalkRejectsBadPayload(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)

	err := s.handleGenerateWalk(context.Background(), asynq.NewTask(queue.TypeGenerateWalk, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(runner.jobs) != 0 {
		t.Fatalf("runner should not be called, got %v", runner.jobs)
	}
}

func TestNewServerValidates(t *testing.T) {
	if _, err := NewServer(nil, Config{Queue: "q"}, nil); err == nil {
		t.Fatal("expected error without runner")
	}
	if _, err := NewServer(nil, Config{}, &stubRunner{}); err == nil {
		t.Fatal("expected error without queue name")
	}
}
