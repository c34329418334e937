package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DISPATCH_MODE", "OUTPUT_DIR", "LATENT_DIM", "RESULT_STORE", "RETENTION_MAX_AGE", "MAX_TOTAL_FRAMES", "WORKER_MAX_ACTIVE_JOBS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Worker.DispatchMode != DispatchLocal {
		t.Fatalf("expected local dispatch, got %q", cfg.Worker.DispatchMode)
	}
	if cfg.Worker.MaxActiveJobs != 0 {
		t.Fatalf("expected unlimited active jobs, got %d", cfg.Worker.MaxActiveJobs)
	}
	if cfg.Model.LatentDim != 128 {
		t.Fatalf("expected latent dim 128, got %d", cfg.Model.LatentDim)
	}
	if cfg.Limits.MaxTotalFrames != 3600 || cfg.Limits.MaxOutRes != 1024 {
		t.Fatalf("unexpected limits %+v", cfg.Limits)
	}
	if cfg.Retention.MaxAge != 0 {
		t.Fatalf("expected retention disabled, got %v", cfg.Retention.MaxAge)
	}
	if !strings.HasPrefix(cfg.Queue.Name, "latentwalk:") {
		t.Fatalf("expected per-process queue name, got %q", cfg.Queue.Name)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_MODE", "ASYNQ")
	t.Setenv("WORKER_MAX_ACTIVE_JOBS", "4")
	t.Setenv("RETENTION_MAX_AGE", "36h")
	t.Setenv("SHUTDOWN_TIMEOUT", "45")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("FALLBACK_SEED", "9001")
	t.Setenv("API_KEY", "secret")

	cfg := Load()
	if cfg.Worker.DispatchMode != DispatchAsynq {
		t.Fatalf("expected asynq dispatch, got %q", cfg.Worker.DispatchMode)
	}
	if cfg.Worker.MaxActiveJobs != 4 {
		t.Fatalf("expected 4 active jobs, got %d", cfg.Worker.MaxActiveJobs)
	}
	if cfg.Retention.MaxAge != 36*time.Hour {
		t.Fatalf("expected 36h retention, got %v", cfg.Retention.MaxAge)
	}
	if cfg.Worker.ShutdownTimeout != 45*time.Second {
		t.Fatalf("expected bare seconds to parse, got %v", cfg.Worker.ShutdownTimeout)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Model.FallbackSeed != 9001 {
		t.Fatalf("expected fallback seed 9001, got %d", cfg.Model.FallbackSeed)
	}
	if cfg.API.APIKey != "secret" {
		t.Fatalf("expected api key, got %q", cfg.API.APIKey)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("LATENT_DIM", "lots")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	t.Setenv("MINIO_USE_SSL", "maybe")

	cfg := Load()
	if cfg.Model.LatentDim != 128 {
		t.Fatalf("expected fallback latent dim, got %d", cfg.Model.LatentDim)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected fallback window, got %v", cfg.RateLimit.Window)
	}
	if cfg.Storage.UseSSL {
		t.Fatal("expected fallback ssl=false")
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cases := map[string]func(*Config){
		"dispatch mode":        func(c *Config) { c.Worker.DispatchMode = "kafka" },
		"s3 without endpoint":  func(c *Config) { c.Storage.ResultStore = ResultStoreS3; c.Storage.Endpoint = "" },
		"s3 checkpoint":        func(c *Config) { c.Model.Checkpoint = "s3://models/g.lwg"; c.Storage.Endpoint = "" },
		"latent dim":           func(c *Config) { c.Model.LatentDim = 0 },
		"negative active jobs": func(c *Config) { c.Worker.MaxActiveJobs = -1 },
		"log format":           func(c *Config) { c.Log.Format = "xml" },
		"rate limit backend": func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Backend = "memcached"
		},
		"rate limit capacity": func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Capacity = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			cfg.Storage.Endpoint = "localhost:9000"
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
