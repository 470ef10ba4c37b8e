package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize     *prometheus.GaugeVec
	postedTotal   *prometheus.CounterVec
	settledTotal  *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	queueWait     *prometheus.HistogramVec
	workerBusy    *prometheus.GaugeVec
	stopDurations prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lintd_scheduler_queue_size",
					Help: "Current number of queued commands by scheduler.",
				},
				[]string{"scheduler"},
			),
			postedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lintd_scheduler_posted_total",
					Help: "Total post calls by scheduler and outcome (enqueued, precanceled, rejected).",
				},
				[]string{"scheduler", "outcome"},
			),
			settledTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lintd_scheduler_settled_total",
					Help: "Total settled commands by scheduler and terminal state.",
				},
				[]string{"scheduler", "status"},
			),
			execDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lintd_scheduler_execution_duration_seconds",
					Help:    "Command execution duration in seconds by scheduler.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"scheduler"},
			),
			queueWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lintd_scheduler_queue_wait_seconds",
					Help:    "Time between post and dispatch in seconds by scheduler.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"scheduler"},
			),
			workerBusy: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lintd_scheduler_worker_busy",
					Help: "Worker busy state (1 running a command, 0 idle).",
				},
				[]string{"scheduler"},
			),
			stopDurations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lintd_scheduler_stop_duration_seconds",
					Help:    "Time taken by scheduler stop to reach quiescence.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.postedTotal,
			m.settledTotal,
			m.execDuration,
			m.queueWait,
			m.workerBusy,
			m.stopDurations,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordPost(scheduler, outcome string, queueSize int) {
	m := getMetrics()
	m.postedTotal.WithLabelValues(scheduler, outcome).Inc()
	m.queueSize.WithLabelValues(scheduler).Set(float64(queueSize))
}

func SetQueueSize(scheduler string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(scheduler).Set(float64(queueSize))
}

func RecordDispatch(scheduler string, wait time.Duration, queueSize int) {
	m := getMetrics()
	m.queueWait.WithLabelValues(scheduler).Observe(wait.Seconds())
	m.queueSize.WithLabelValues(scheduler).Set(float64(queueSize))
	m.workerBusy.WithLabelValues(scheduler).Set(1)
}

// RecordSettled records a terminal state. duration is zero for commands that never ran.
func RecordSettled(scheduler, status string, duration time.Duration) {
	m := getMetrics()
	m.settledTotal.WithLabelValues(scheduler, status).Inc()
	if duration > 0 {
		m.execDuration.WithLabelValues(scheduler).Observe(duration.Seconds())
	}
}

func SetWorkerIdle(scheduler string) {
	m := getMetrics()
	m.workerBusy.WithLabelValues(scheduler).Set(0)
}

func RecordStop(duration time.Duration) {
	m := getMetrics()
	m.stopDurations.Observe(duration.Seconds())
}
