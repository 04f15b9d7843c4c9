package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncSubmission(kind, outcome string)
	IncStatusQuery(state string)
}

// Noop implements GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncSubmission(string, string)                   {}
func (Noop) IncStatusQuery(string)                          {}

type gatewayProm struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec
	statuses    *prometheus.CounterVec
	once        sync.Once
}

// NewGatewayProm constructs a GatewayMetrics backed by Prometheus collectors.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Task submissions by kind and outcome",
		}, []string{"kind", "outcome"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_queries_total",
			Help:      "Status queries by resolved state",
		}, []string{"state"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency, g.submissions, g.statuses)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (g *gatewayProm) IncSubmission(kind, outcome string) {
	g.submissions.WithLabelValues(kind, outcome).Inc()
}

func (g *gatewayProm) IncStatusQuery(state string) {
	g.statuses.WithLabelValues(state).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
