package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the master's prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	jobsQueued    prometheus.Gauge
	jobsRunning   prometheus.Gauge

	actionsStarted  *prometheus.CounterVec
	actionsFinished *prometheus.CounterVec
	actionsFailed   *prometheus.CounterVec
	actionsReplaced *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	deletes *prometheus.CounterVec
	workers prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quincy_jobs_submitted_total",
			Help: "Total number of jobs accepted by the admission queue",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_jobs_finished_total",
			Help: "Total number of jobs that reached the end of cleanup",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quincy_job_duration_seconds",
			Help:    "Wall time of jobs from start to end of cleanup",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quincy_jobs_queued",
			Help: "Current number of jobs waiting for a slot",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quincy_jobs_running",
			Help: "Current number of jobs holding a slot",
		}),
		actionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_actions_started_total",
			Help: "Total number of task and transfer starts",
		}, []string{"kind"}),
		actionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_actions_finished_total",
			Help: "Total number of task and transfer completions",
		}, []string{"kind"}),
		actionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_actions_failed_total",
			Help: "Total number of task and transfer failures",
		}, []string{"kind", "reason"}),
		actionsReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_tasks_replaced_total",
			Help: "Total number of tasks recreated on another server",
		}, []string{"reason"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quincy_action_duration_seconds",
			Help:    "Run time of finished tasks and transfers",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quincy_delete_requests_total",
			Help: "Delete batches sent during cleanup",
		}, []string{"result"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quincy_workers_healthy",
			Help: "Current number of healthy registered workers",
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobDuration,
		c.jobsQueued,
		c.jobsRunning,
		c.actionsStarted,
		c.actionsFinished,
		c.actionsFailed,
		c.actionsReplaced,
		c.actionDuration,
		c.deletes,
		c.workers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordJobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobFinished records a job leaving cleanup with outcome "finished" or "aborted".
func (c *Collector) RecordJobFinished(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(outcome).Inc()
	c.jobDuration.Observe(seconds)
}

func (c *Collector) SetQueueStats(queued, running int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

func (c *Collector) RecordActionStarted(kind string) {
	if c == nil {
		return
	}
	c.actionsStarted.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordActionFinished(kind string, seconds float64) {
	if c == nil {
		return
	}
	c.actionsFinished.WithLabelValues(kind).Inc()
	c.actionDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordActionFailed records a failure; reason is "timeout" or "failed".
func (c *Collector) RecordActionFailed(kind, reason string) {
	if c == nil {
		return
	}
	c.actionsFailed.WithLabelValues(kind, reason).Inc()
}

// RecordReplacement records a task replacement; reason is "retry" or "speculative".
func (c *Collector) RecordReplacement(reason string) {
	if c == nil {
		return
	}
	c.actionsReplaced.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDelete(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.deletes.WithLabelValues(result).Inc()
}

func (c *Collector) SetHealthyWorkers(n int) {
	if c == nil {
		return
	}
	c.workers.Set(float64(n))
}
