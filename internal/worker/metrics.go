package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latentwalk_worker_tasks_total",
			Help: "Total queue tasks handled by the worker, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "latentwalk_worker_task_duration_seconds",
			Help:    "Time from task pickup to handler return.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
	}

	reg.MustRegister(m.tasksTotal, m.taskDuration)
	return m
}
