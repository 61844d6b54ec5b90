package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the closure counters. It satisfies closure.Metrics.
type Metrics struct {
	transitions  *prometheus.CounterVec
	collaborator *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
	sweepLatency *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

// NewMetrics registers the counters on reg. A nil reg uses a fresh registry so
// tests and repeated construction never collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshare_mutual_closure_transitions_total",
			Help: "Mutual closure state transitions by audit action",
		}, []string{"action"}),
		collaborator: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshare_mutual_closure_collaborator_failures_total",
			Help: "Failed calls to refund, notification and velocity collaborators",
		}, []string{"collaborator"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshare_worker_sweep_items_total",
			Help: "Items handled by background sweeps",
		}, []string{"job", "outcome"}),
		sweepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolshare_worker_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshare_http_requests_total",
			Help: "HTTP requests by route pattern and status code",
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}
}

func (m *Metrics) Transition(action string) {
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) CollaboratorFailure(name string) {
	m.collaborator.WithLabelValues(name).Inc()
}

// Sweep records one background run. A failed run counts as a single error.
func (m *Metrics) Sweep(job string, handled int, err error, started time.Time) {
	m.sweepLatency.WithLabelValues(job).Observe(time.Since(started).Seconds())
	if err != nil {
		m.sweeps.WithLabelValues(job, "error").Inc()
		return
	}
	m.sweeps.WithLabelValues(job, "ok").Add(float64(handled))
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
