package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/pipeline"
	"github.com/dunamismax/latentwalk/internal/storage"
	"github.com/dunamismax/latentwalk/internal/store"
	"github.com/dunamismax/latentwalk/internal/video"
	"github.com/dunamismax/latentwalk/internal/walk"
)

// Decoder is the walk decoder plus the name recorded on each job.
type Decoder interface {
	walk.Decoder
	Name() string
}

type Config struct {
	Store      store.JobStore
	UsageStore store.UsageStore
	Decoder    Decoder
	// Sharpener is required only for jobs that ask for sharpening.
	Sharpener  pipeline.Filter
	Encoder    video.Encoder
	Results    storage.Results
	Observers  []Observer
	Notifiers  []Notifier
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Now        func() time.Time
}

// Runner drives one job from queued to a terminal state. It is the only
// writer of a job once the job has started.
type Runner struct {
	store      store.JobStore
	usageStore store.UsageStore
	decoder    Decoder
	engine     *walk.Engine
	encoder    video.Encoder
	results    storage.Results
	fanout     *fanout
	metrics    *metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("video encoder is required")
	}
	if cfg.Results == nil {
		return nil, errors.New("result storage is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	m := newMetrics(cfg.Registerer)
	tracer := otel.Tracer("latentwalk/runner")

	var sharpener walk.FrameFilter
	if cfg.Sharpener != nil {
		sharpener = cfg.Sharpener
	}
	engine, err := walk.NewEngine(&tracedDecoder{next: cfg.Decoder, tracer: tracer, metrics: m}, sharpener)
	if err != nil {
		return nil, fmt.Errorf("build walk engine: %w", err)
	}

	return &Runner{
		store:      cfg.Store,
		usageStore: cfg.UsageStore,
		decoder:    cfg.Decoder,
		engine:     engine,
		encoder:    cfg.Encoder,
		results:    cfg.Results,
		fanout: &fanout{
			observers: cfg.Observers,
			notifiers: cfg.Notifiers,
			logger:    logger,
			metrics:   m,
		},
		metrics: m,
		tracer:  tracer,
		logger:  logger,
		now:     now,
	}, nil
}

func (r *Runner) DecoderName() string {
	return r.decoder.Name()
}

func (r *Runner) LatentDim() int {
	return r.decoder.LatentDim()
}

// Run executes the job. Only the caller that wins queued -> running does any
// work; everyone else gets domain.ErrInvalidTransition. A job that fails is
// recorded as error and Run returns the cause.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.Update(ctx, jobID, func(j *domain.Job) error {
		return j.Start(r.now())
	})
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	started := time.Now()
	r.fanout.observe(job)

	r.metrics.activeJobs.Inc()
	defer r.metrics.activeJobs.Dec()

	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.decoder", job.Decoder),
		attribute.Int("job.total_frames", job.TotalFrames),
		attribute.Int("job.resolution", job.Request.OutRes),
	)
	defer span.End()

	r.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.Int("total_frames", job.TotalFrames),
		zap.Int64("seed", job.Seed),
	)

	ref, runErr := r.produce(ctx, job)

	// terminal writes must land even when ctx was cancelled mid-job
	finishCtx := context.WithoutCancel(ctx)
	var final domain.Job
	if runErr == nil {
		final, err = r.store.Update(finishCtx, jobID, func(j *domain.Job) error {
			return j.Complete(r.now(), ref)
		})
		if err != nil {
			runErr = fmt.Errorf("complete job: %w", err)
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "job failed")
		final, err = r.store.Update(finishCtx, jobID, func(j *domain.Job) error {
			return j.Fail(r.now(), runErr.Error())
		})
		if err != nil {
			r.logger.Error("job failure could not be recorded", zap.String("job_id", jobID), zap.Error(err))
			return errors.Join(runErr, err)
		}
	} else {
		span.SetStatus(codes.Ok, "video ready")
	}

	r.finish(finishCtx, final, time.Since(started))
	return runErr
}

// produce renders and encodes the walk and returns the published reference.
// On failure no output file is left behind.
func (r *Runner) produce(ctx context.Context, job domain.Job) (string, error) {
	req := job.Request
	params := walk.Params{
		Seed:        job.Seed,
		Anchors:     req.Anchors,
		TotalFrames: job.TotalFrames,
		Strength:    req.Strength,
		Resolution:  req.OutRes,
		Sharpen:     req.Sharpen,
	}

	frames, err := r.engine.Generate(ctx, params, func(ctx context.Context, done, total int) error {
		snapshot, err := r.store.Update(ctx, job.ID, func(j *domain.Job) error {
			return j.RecordFrame(r.now(), fmt.Sprintf("Generated %d/%d frames", done, total))
		})
		if err != nil {
			return err
		}
		r.metrics.framesRendered.Inc()
		r.fanout.observe(snapshot)
		return nil
	})
	if err != nil {
		return "", err
	}

	outPath := r.results.LocalPath(job.ID, req.Seconds, req.FPS)
	if err := r.encode(ctx, frames, req.FPS, outPath); err != nil {
		_ = os.Remove(outPath)
		return "", err
	}

	ref, err := r.results.Publish(ctx, outPath)
	if err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("publish video: %w", err)
	}
	return ref, nil
}

func (r *Runner) encode(ctx context.Context, frames []image.Image, fps int, outPath string) error {
	ctx, span := r.tracer.Start(ctx, "video.encode")
	span.SetAttributes(attribute.Int("video.frames", len(frames)), attribute.Int("video.fps", fps))
	defer span.End()

	if err := r.encoder.Encode(ctx, frames, fps, outPath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode video: %w", err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, job domain.Job, elapsed time.Duration) {
	state := string(job.State)
	r.metrics.jobsTotal.WithLabelValues(job.Decoder, state).Inc()
	r.metrics.jobDuration.WithLabelValues(job.Decoder, state).Observe(elapsed.Seconds())

	if job.State == domain.JobStateDone {
		r.logger.Info("job done",
			zap.String("job_id", job.ID),
			zap.String("result", job.Result),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		r.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.Int("frames_done", job.FramesDone),
			zap.String("error", job.ErrorMessage),
		)
	}

	r.fanout.observe(job)
	r.recordUsage(ctx, job, elapsed)
	r.fanout.awaitCreated(ctx, job.ID)
	r.fanout.notify(ctx, domain.NewJobEvent(domain.TerminalEvent(job), job, r.now()), job)
}

func (r *Runner) recordUsage(ctx context.Context, job domain.Job, elapsed time.Duration) {
	computeTimeMS := elapsed.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}
	var pixels int64
	if job.State == domain.JobStateDone {
		pixels = int64(job.FramesDone) * int64(job.Request.OutRes) * int64(job.Request.OutRes)
	}

	r.metrics.pixelsRendered.Add(float64(pixels))
	r.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))

	if r.usageStore == nil {
		return
	}
	usage := domain.UsageLog{
		JobID:          job.ID,
		Decoder:        job.Decoder,
		Outcome:        job.State,
		FramesRendered: int64(job.FramesDone),
		PixelsRendered: pixels,
		ComputeTimeMS:  computeTimeMS,
		CreatedAt:      r.now(),
	}
	if err := r.usageStore.CreateUsageLog(ctx, usage); err != nil {
		r.logger.Warn("usage log write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
