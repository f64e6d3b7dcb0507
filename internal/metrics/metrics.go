// Package metrics exposes Prometheus metrics for runs, status streams and
// HTTP requests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/snakemake/snakeface/internal/supervisor"
)

const namespace = "snakeface"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunsRejected  *prometheus.CounterVec
	RunsRecovered prometheus.Counter
	RunDuration   prometheus.Histogram
	Subscribers   prometheus.Gauge
	Pushes        *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs handed to the workflow engine.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that returned to NOTRUNNING, by result.",
		}, []string{"result"}),
		RunsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_rejected_total",
			Help:      "Submissions and changes refused, by reason.",
		}, []string{"reason"}),
		RunsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_recovered_total",
			Help:      "Runs settled at startup after the server stopped while they were active.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of workflow engine processes.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_subscribers",
			Help:      "Open status stream subscriptions.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_pushes_total",
			Help:      "Status payloads sent to subscribers, by payload status.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.RunsStarted, m.RunsFinished, m.RunsRejected, m.RunsRecovered,
		m.RunDuration, m.Subscribers, m.Pushes, m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records a supervisor event.
func (m *Metrics) Observe(ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventRunStarted:
		m.RunsStarted.Inc()
	case supervisor.EventRunFinished:
		result := "success"
		if ev.Retval != 0 {
			result = "failure"
		}
		m.RunsFinished.WithLabelValues(result).Inc()
		m.RunDuration.Observe(ev.Duration.Seconds())
	case supervisor.EventRunCancelled:
		m.RunsFinished.WithLabelValues("cancelled").Inc()
		m.RunDuration.Observe(ev.Duration.Seconds())
	case supervisor.EventRunRejected:
		m.RunsRejected.WithLabelValues(ev.Reason).Inc()
	case supervisor.EventRunRecovered:
		m.RunsRecovered.Inc()
	}
}

// SetSubscribers records the number of open subscriptions.
func (m *Metrics) SetSubscribers(n int) {
	m.Subscribers.Set(float64(n))
}

// Pushed counts one status payload.
func (m *Metrics) Pushed(status string) {
	m.Pushes.WithLabelValues(status).Inc()
}

// Request counts one HTTP response.
func (m *Metrics) Request(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
