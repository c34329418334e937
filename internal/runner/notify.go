package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
)

// Observer sees every committed job snapshot, including per-frame progress.
type Observer interface {
	Publish(job domain.Job)
}

// Notifier delivers lifecycle events (created, completed, failed).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event domain.JobEvent, job domain.Job) error
}

type fanout struct {
	observers []Observer
	notifiers []Notifier
	logger    *zap.Logger
	metrics   *metrics

	// job id -> channel closed once the created event went out
	created sync.Map
}

func (f *fanout) observe(job domain.Job) {
	for _, o := range f.observers {
		o.Publish(job)
	}
}

// notify never fails the caller; delivery errors are logged and counted.
func (f *fanout) notify(ctx context.Context, event domain.JobEvent, job domain.Job) {
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event, job); err != nil {
			f.metrics.notifyFailures.WithLabelValues(n.Name()).Inc()
			f.logger.Warn("notification failed",
				zap.String("job_id", job.ID),
				zap.String("event", event.Event),
				zap.String("sink", n.Name()),
				zap.Error(err),
			)
		}
	}
}

// notifyCreated delivers the created event in the background so a slow sink
// never holds up job creation.
func (f *fanout) notifyCreated(ctx context.Context, event domain.JobEvent, job domain.Job) {
	if len(f.notifiers) == 0 {
		return
	}
	done := make(chan struct{})
	f.created.Store(job.ID, done)
	go func() {
		defer f.created.Delete(job.ID)
		defer close(done)
		f.notify(ctx, event, job)
	}()
}

// createdWait caps how long a terminal event waits behind a stuck created
// delivery.
const createdWait = 30 * time.Second

// awaitCreated blocks until the job's created event is out, keeping it ahead
// of the terminal event at every sink.
func (f *fanout) awaitCreated(ctx context.Context, jobID string) {
	v, ok := f.created.Load(jobID)
	if !ok {
		return
	}
	timer := time.NewTimer(createdWait)
	defer timer.Stop()
	select {
	case <-v.(chan struct{}):
	case <-timer.C:
		f.logger.Warn("created notification still pending", zap.String("job_id", jobID))
	case <-ctx.Done():
	}
}
