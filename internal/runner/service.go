package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/id"
)

var ErrDispatchFailed = errors.New("job could not be dispatched")

// Dispatcher hands a created job to whatever will call Runner.Run for it.
// Dispatch must return without waiting for the job to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

type DispatcherFunc func(ctx context.Context, jobID string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// Service is the creation and query surface used by the HTTP layer.
type Service struct {
	runner     *Runner
	dispatcher Dispatcher
	limits     domain.Limits
	newID      func() string
}

func NewService(r *Runner, dispatcher Dispatcher, limits domain.Limits) (*Service, error) {
	if r == nil {
		return nil, errors.New("runner is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Service{
		runner:     r,
		dispatcher: dispatcher,
		limits:     limits,
		newID:      id.New,
	}, nil
}

func (s *Service) Limits() domain.Limits {
	return s.limits
}

func (s *Service) DecoderName() string {
	return s.runner.DecoderName()
}

// Submit validates req, records a queued job and hands it off. It never
// waits for a frame. Validation failures return a *domain.ValidationError and
// leave no record behind.
func (s *Service) Submit(ctx context.Context, req domain.GenerateRequest) (domain.Job, error) {
	if err := req.Validate(s.limits); err != nil {
		return domain.Job{}, err
	}

	r := s.runner
	jobID := s.newID()
	seed := id.Seed(jobID)
	if req.Seed != nil {
		seed = *req.Seed
	}

	job := domain.NewJob(jobID, req, seed, r.LatentDim(), r.DecoderName(), r.now())
	if err := r.store.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	r.metrics.jobsCreated.WithLabelValues(job.Decoder).Inc()
	r.fanout.observe(job)
	r.fanout.notifyCreated(context.WithoutCancel(ctx), domain.NewJobEvent(domain.EventJobCreated, job, r.now()), job)

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		r.logger.Error("dispatch failed", zap.String("job_id", jobID), zap.Error(err))
		failCtx := context.WithoutCancel(ctx)
		failed, ferr := r.store.Update(failCtx, jobID, func(j *domain.Job) error {
			return j.Fail(r.now(), "dispatch failed: "+err.Error())
		})
		if ferr != nil {
			return domain.Job{}, errors.Join(fmt.Errorf("%w: %v", ErrDispatchFailed, err), ferr)
		}
		r.finish(failCtx, failed, 0)
		return failed, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	r.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.Int("total_frames", job.TotalFrames),
		zap.String("decoder", job.Decoder),
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	return s.runner.store.Get(ctx, jobID)
}

func (s *Service) List(ctx context.Context) ([]domain.Job, error) {
	return s.runner.store.List(ctx)
}
