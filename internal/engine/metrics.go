package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the engine's job gauges and counters.
type metrics struct {
	queued    prometheus.Gauge
	running   prometheus.Gauge
	succeeded prometheus.Counter
	failed    prometheus.Counter
	duration  *prometheus.HistogramVec
	occupied  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_jobs_queued",
			Help: "Number of jobs waiting for a worker.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_jobs_running",
			Help: "Number of jobs currently executing.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_jobs_succeeded_total",
			Help: "Total number of jobs that completed.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_jobs_failed_total",
			Help: "Total number of jobs that failed.",
		}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_job_duration_seconds",
				Help:    "Job execution time in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"status"},
		),
		occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_resource_units_occupied",
			Help: "Number of device units held by running jobs.",
		}),
	}
	reg.MustRegister(m.queued, m.running, m.succeeded, m.failed, m.duration, m.occupied)
	return m
}
