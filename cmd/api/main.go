package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/api"
	"github.com/dunamismax/latentwalk/internal/broker"
	"github.com/dunamismax/latentwalk/internal/config"
	"github.com/dunamismax/latentwalk/internal/decoder"
	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/events"
	"github.com/dunamismax/latentwalk/internal/logging"
	"github.com/dunamismax/latentwalk/internal/pipeline"
	"github.com/dunamismax/latentwalk/internal/queue"
	"github.com/dunamismax/latentwalk/internal/ratelimit"
	"github.com/dunamismax/latentwalk/internal/retention"
	"github.com/dunamismax/latentwalk/internal/runner"
	"github.com/dunamismax/latentwalk/internal/storage"
	"github.com/dunamismax/latentwalk/internal/store"
	"github.com/dunamismax/latentwalk/internal/telemetry"
	"github.com/dunamismax/latentwalk/internal/video"
	"github.com/dunamismax/latentwalk/internal/webhook"
	"github.com/dunamismax/latentwalk/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	registry := telemetry.NewRegistry()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image pipeline: %w", err)
	}
	defer pipeline.Shutdown()

	var objects *storage.Client
	if cfg.Storage.Enabled() {
		objects, err = storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return err
		}
		if cfg.Storage.ResultStore == config.ResultStoreS3 {
			if err := objects.EnsureBucket(ctx); err != nil {
				return err
			}
		}
	}

	decoderOpts := decoder.Options{
		Checkpoint:   cfg.Model.Checkpoint,
		LatentDim:    cfg.Model.LatentDim,
		FallbackSeed: cfg.Model.FallbackSeed,
	}
	if objects != nil {
		decoderOpts.Objects = objects
	}
	dec, err := decoder.Select(ctx, decoderOpts, logger.Named("decoder"))
	if err != nil {
		return fmt.Errorf("select decoder: %w", err)
	}

	sharpener, err := pipeline.NewSharpener()
	if err != nil {
		return fmt.Errorf("build sharpen filter: %w", err)
	}
	logger.Info("image pipeline ready", zap.String("backend", pipeline.Backend()))

	encoder := video.NewFFmpegEncoder(video.FFmpegConfig{
		Binary: cfg.Video.FFmpegPath,
		Codec:  cfg.Video.Codec,
		CRF:    cfg.Video.CRF,
		Preset: cfg.Video.Preset,
	}, logger.Named("video"))
	if err := encoder.Available(); err != nil {
		logger.Warn("video encoder unavailable, jobs will fail at the encode step", zap.Error(err))
	}

	local, err := storage.NewLocalResults(cfg.Worker.OutputDir)
	if err != nil {
		return err
	}
	var results storage.Results = local
	if cfg.Storage.ResultStore == config.ResultStoreS3 {
		results, err = storage.NewObjectResults(local, objects, cfg.Storage.PresignTTL)
		if err != nil {
			return err
		}
	}

	var usage store.UsageStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresUsageStore(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		usage = pg
	}

	hub := events.NewHub()
	notifiers := []runner.Notifier{
		webhook.Notifier{Client: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})},
	}
	if cfg.Broker.URL != "" {
		publisher, err := broker.Dial(cfg.Broker.URL, cfg.Broker.Exchange)
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		notifiers = append(notifiers, publisher)
	}

	r, err := runner.New(runner.Config{
		Store:      store.NewMemoryJobStore(),
		UsageStore: usage,
		Decoder:    dec,
		Sharpener:  sharpener,
		Encoder:    encoder,
		Results:    results,
		Observers:  []runner.Observer{hub},
		Notifiers:  notifiers,
		Registerer: registry,
		Logger:     logger.Named("runner"),
	})
	if err != nil {
		return err
	}

	var (
		dispatcher       runner.Dispatcher
		shutdownDispatch func(context.Context) error
	)
	switch cfg.Worker.DispatchMode {
	case config.DispatchAsynq:
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.JobTimeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", zap.Error(err))
			}
		}()
		consumer, err := worker.NewServer(logger.Named("worker"), worker.Config{
			RedisOpt:    cfg.Queue.RedisClientOpt(),
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
			Registerer:  registry,
		}, r)
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return fmt.Errorf("start queue consumer: %w", err)
		}
		dispatcher = queueClient
		shutdownDispatch = func(context.Context) error {
			consumer.Shutdown()
			return nil
		}
	default:
		inProcess := runner.NewLocalDispatcher(r, cfg.Worker.MaxActiveJobs, logger.Named("dispatch"))
		dispatcher = inProcess
		shutdownDispatch = inProcess.Shutdown
	}

	service, err := runner.NewService(r, dispatcher, domain.Limits{
		MaxTotalFrames: cfg.Limits.MaxTotalFrames,
		MaxOutRes:      cfg.Limits.MaxOutRes,
	})
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = newLimiter(cfg)
		if err != nil {
			return err
		}
	}

	if cfg.Retention.MaxAge > 0 {
		sweeper, err := retention.NewSweeper(cfg.Worker.OutputDir, cfg.Retention.Schedule, cfg.Retention.MaxAge, logger.Named("retention"))
		if err != nil {
			return err
		}
		sweeper.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = sweeper.Stop(stopCtx)
		}()
	}

	app, err := api.NewServer(api.Options{
		Logger:                 logger.Named("api"),
		Service:                service,
		Results:                results,
		Events:                 hub,
		RateLimiter:            limiter,
		RateLimitSubjectHeader: cfg.RateLimit.SubjectHeader,
		APIKey:                 cfg.API.APIKey,
		MaxBodyBytes:           cfg.API.MaxBodyBytes,
		PublicURL:              cfg.API.PublicURL,
		Registry:               registry,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// event streams clear their own write deadline
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("decoder", r.DecoderName()),
			zap.String("dispatch", cfg.Worker.DispatchMode),
			zap.String("result_store", cfg.Storage.ResultStore),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if err := shutdownDispatch(shutdownCtx); err != nil {
		logger.Warn("running jobs did not finish before shutdown", zap.Error(err))
	}
	return nil
}

func newLimiter(cfg config.Config) (ratelimit.Limiter, error) {
	if cfg.RateLimit.Backend == config.RateLimitRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		return ratelimit.NewRedisTokenBucket(client, cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
	}
	return ratelimit.NewMemoryTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.Window)
}
