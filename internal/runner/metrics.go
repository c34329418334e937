package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobsCreated        *prometheus.CounterVec
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	framesRendered     prometheus.Counter
	frameDecode        prometheus.Histogram
	pixelsRendered     prometheus.Counter
	computeTimeMSTotal prometheus.Counter
	notifyFailures     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latentwalk_jobs_created_total",
			Help: "Total jobs accepted, by decoder.",
		}, []string{"decoder"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latentwalk_runner_jobs_total",
			Help: "Total finished jobs by decoder and final state.",
		}, []string{"decoder", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latentwalk_runner_job_duration_seconds",
			Help:    "Wall time from start to terminal state for each job.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"decoder", "state"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "latentwalk_runner_active_jobs",
			Help: "Current number of running jobs.",
		}),
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latentwalk_runner_frames_rendered_total",
			Help: "Total frames decoded across all jobs.",
		}),
		frameDecode: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "latentwalk_runner_frame_decode_seconds",
			Help:    "Latency of decoding a single frame.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		pixelsRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latentwalk_usage_pixels_rendered_total",
			Help: "Total pixels rendered across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latentwalk_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across finished jobs.",
		}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latentwalk_notify_failures_total",
			Help: "Notification deliveries that failed, by sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.jobsCreated,
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.framesRendered,
		m.frameDecode,
		m.pixelsRendered,
		m.computeTimeMSTotal,
		m.notifyFailures,
	)
	return m
}
