// Package metrics holds the Prometheus collectors for the experiment
// lifecycle and the backend calls it makes.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the console's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Submissions      *prometheus.CounterVec
	BackendRequests  *prometheus.CounterVec
	BackendDurations *prometheus.HistogramVec
	Notifications    *prometheus.CounterVec
	StatusChanges    *prometheus.CounterVec
	Orchestrators    prometheus.Gauge
	Panics           *prometheus.CounterVec
}

// NewCollector registers the console metrics against reg, defaulting to the
// global registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	submissions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simconsole_submissions_total",
		Help: "Experiment submissions by job type and outcome.",
	}, []string{"job_type", "outcome"}), "simconsole_submissions_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simconsole_backend_requests_total",
		Help: "Backend calls by job type, operation and result.",
	}, []string{"job_type", "op", "result"}), "simconsole_backend_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simconsole_backend_request_duration_seconds",
		Help:    "Backend call latency in seconds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"job_type", "op"}), "simconsole_backend_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	notifications, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simconsole_notifications_total",
		Help: "Notifications shown to users by level.",
	}, []string{"level"}), "simconsole_notifications_total")
	if err != nil {
		return nil, err
	}

	changes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simconsole_job_status_changes_total",
		Help: "Job status transitions observed by polling, by job type and new status.",
	}, []string{"job_type", "status"}), "simconsole_job_status_changes_total")
	if err != nil {
		return nil, err
	}

	orchestrators, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simconsole_orchestrators",
		Help: "Live lifecycle orchestrators (one per user and job type).",
	}), "simconsole_orchestrators")
	if err != nil {
		return nil, err
	}

	panics, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simconsole_http_panics_total",
		Help: "Handler panics recovered by the API, by route pattern.",
	}, []string{"route"}), "simconsole_http_panics_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Submissions:      submissions,
		BackendRequests:  requests,
		BackendDurations: durations,
		Notifications:    notifications,
		StatusChanges:    changes,
		Orchestrators:    orchestrators,
		Panics:           panics,
	}, nil
}

// ObserveBackend records one backend call.
func (c *Collector) ObserveBackend(jobType, op string, start time.Time, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.BackendRequests.WithLabelValues(jobType, op, result).Inc()
	c.BackendDurations.WithLabelValues(jobType, op).Observe(time.Since(start).Seconds())
}

// Submission records the outcome of one submit attempt.
func (c *Collector) Submission(jobType, outcome string) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(jobType, outcome).Inc()
}

// Notification records one notification shown.
func (c *Collector) Notification(level string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(level).Inc()
}

// StatusChange records a job reaching status.
func (c *Collector) StatusChange(jobType, status string) {
	if c == nil {
		return
	}
	c.StatusChanges.WithLabelValues(jobType, status).Inc()
}

// OrchestratorStarted and OrchestratorStopped track the live orchestrator count.
func (c *Collector) OrchestratorStarted() {
	if c == nil {
		return
	}
	c.Orchestrators.Inc()
}

func (c *Collector) OrchestratorStopped() {
	if c == nil {
		return
	}
	c.Orchestrators.Dec()
}

// Panic records a recovered handler panic on route.
func (c *Collector) Panic(route string) {
	if c == nil {
		return
	}
	c.Panics.WithLabelValues(route).Inc()
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
