package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	DispatchLocal = "local"
	DispatchAsynq = "asynq"

	ResultStoreLocal = "local"
	ResultStoreS3    = "s3"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type Config struct {
	API       APIConfig
	Limits    LimitsConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Model     ModelConfig
	Video     VideoConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Broker    BrokerConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr         string
	APIKey       string
	MaxBodyBytes int64
	PublicURL    string
}

type LimitsConfig struct {
	MaxTotalFrames int
	MaxOutRes      int
}

type WorkerConfig struct {
	DispatchMode    string
	MaxActiveJobs   int
	OutputDir       string
	ShutdownTimeout time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	Concurrency   int
	JobTimeout    time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type ModelConfig struct {
	Checkpoint   string
	LatentDim    int
	FallbackSeed int64
}

type VideoConfig struct {
	FFmpegPath string
	Codec      string
	CRF        int
	Preset     string
}

type StorageConfig struct {
	ResultStore string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	PresignTTL  time.Duration
}

// Enabled reports whether an object store is configured at all, either for
// results or for fetching the model checkpoint.
func (s StorageConfig) Enabled() bool {
	return s.ResultStore == ResultStoreS3 || s.Endpoint != ""
}

type DatabaseConfig struct {
	// DSN enables the Postgres usage ledger when set.
	DSN string
}

type RateLimitConfig struct {
	Enabled bool
	// Backend is "memory" for a single replica or "redis" to share buckets
	// through the queue's Redis.
	Backend  string
	Capacity int
	Window   time.Duration
	// SubjectHeader names the request header identifying the caller.
	SubjectHeader string
	KeyPrefix     string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type BrokerConfig struct {
	URL      string
	Exchange string
}

type RetentionConfig struct {
	Schedule string
	MaxAge   time.Duration
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() Config {
	return Config{
		API: APIConfig{
			Addr:         env("LATENTWALK_API_ADDR", ":8080"),
			APIKey:       env("API_KEY", ""),
			MaxBodyBytes: envInt64("API_MAX_BODY_BYTES", 64<<10),
			PublicURL:    strings.TrimRight(env("PUBLIC_URL", ""), "/"),
		},
		Limits: LimitsConfig{
			MaxTotalFrames: envInt("MAX_TOTAL_FRAMES", 3600),
			MaxOutRes:      envInt("MAX_OUT_RES", 1024),
		},
		Worker: WorkerConfig{
			DispatchMode:    strings.ToLower(env("DISPATCH_MODE", DispatchLocal)),
			MaxActiveJobs:   envInt("WORKER_MAX_ACTIVE_JOBS", 0),
			OutputDir:       env("OUTPUT_DIR", "./outputs"),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNQ_QUEUE", defaultQueueName()),
			Concurrency:   envInt("WORKER_CONCURRENCY", max(1, runtime.NumCPU()/2)),
			JobTimeout:    envDuration("JOB_TIMEOUT", 30*time.Minute),
		},
		Model: ModelConfig{
			Checkpoint:   env("MODEL_CHECKPOINT", ""),
			LatentDim:    envInt("LATENT_DIM", 128),
			FallbackSeed: envInt64("FALLBACK_SEED", 0),
		},
		Video: VideoConfig{
			FFmpegPath: env("FFMPEG_PATH", "ffmpeg"),
			Codec:      env("VIDEO_CODEC", "libx264"),
			CRF:        envInt("VIDEO_CRF", 18),
			Preset:     env("VIDEO_PRESET", "medium"),
		},
		Storage: StorageConfig{
			ResultStore: strings.ToLower(env("RESULT_STORE", ResultStoreLocal)),
			Endpoint:    env("MINIO_ENDPOINT", ""),
			AccessKey:   env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:   env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:      env("MINIO_BUCKET", "latentwalk"),
			UseSSL:      envBool("MINIO_USE_SSL", false),
			PresignTTL:  envDuration("PRESIGN_TTL", 15*time.Minute),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			Backend:       strings.ToLower(env("RATE_LIMIT_BACKEND", RateLimitMemory)),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 60),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			SubjectHeader: env("RATE_LIMIT_SUBJECT_HEADER", "X-API-Key"),
			KeyPrefix:     env("RATE_LIMIT_KEY_PREFIX", "latentwalk:ratelimit"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Broker: BrokerConfig{
			URL:      env("AMQP_URL", ""),
			Exchange: env("AMQP_EXCHANGE", "latentwalk.events"),
		},
		Retention: RetentionConfig{
			Schedule: env("RETENTION_SCHEDULE", "@every 1h"),
			MaxAge:   envDuration("RETENTION_MAX_AGE", 0),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "latentwalk"),
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level:  strings.ToLower(env("LOG_LEVEL", "info")),
			Format: strings.ToLower(env("LOG_FORMAT", "json")),
		},
	}
}

// Validate rejects combinations the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Worker.DispatchMode {
	case DispatchLocal, DispatchAsynq:
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchLocal, DispatchAsynq, c.Worker.DispatchMode))
	}
	switch c.Storage.ResultStore {
	case ResultStoreLocal:
	case ResultStoreS3:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("RESULT_STORE=s3 requires MINIO_ENDPOINT"))
		}
	default:
		errs = append(errs, fmt.Errorf("RESULT_STORE must be %q or %q, got %q", ResultStoreLocal, ResultStoreS3, c.Storage.ResultStore))
	}
	if strings.HasPrefix(c.Model.Checkpoint, "s3://") && c.Storage.Endpoint == "" {
		errs = append(errs, errors.New("an s3:// MODEL_CHECKPOINT requires MINIO_ENDPOINT"))
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case RateLimitMemory, RateLimitRedis:
		default:
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", RateLimitMemory, RateLimitRedis, c.RateLimit.Backend))
		}
		if c.RateLimit.Capacity < 1 || c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_CAPACITY and RATE_LIMIT_WINDOW must be positive"))
		}
	}
	if c.Model.LatentDim < 1 {
		errs = append(errs, fmt.Errorf("LATENT_DIM must be positive, got %d", c.Model.LatentDim))
	}
	if c.Limits.MaxTotalFrames < 2 || c.Limits.MaxOutRes < 1 {
		errs = append(errs, errors.New("MAX_TOTAL_FRAMES must be at least 2 and MAX_OUT_RES at least 1"))
	}
	if c.Worker.MaxActiveJobs < 0 {
		errs = append(errs, errors.New("WORKER_MAX_ACTIVE_JOBS must not be negative"))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("RETENTION_MAX_AGE must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// defaultQueueName is private to this process: jobs are held in memory, so
// another process must never pick up our tasks.
func defaultQueueName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("latentwalk:%s:%d", host, os.Getpid())
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go durations ("90s", "1h") and bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
