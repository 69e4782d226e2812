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
}

// PipelineMetrics captures orchestrator-level execution metrics.
type PipelineMetrics interface {
	IncExecutionStarted(pipeline string)
	IncExecutionCompleted(pipeline, status string)
	IncStepScheduled(pipeline string)
	IncStepExecuted(pipeline, status string)
	ObserveExecutionDuration(pipeline string, durationSeconds float64)
}

// Noop implements PipelineMetrics without emitting anything.
type Noop struct{}

func (Noop) IncExecutionStarted(string)              {}
func (Noop) IncExecutionCompleted(string, string)    {}
func (Noop) IncStepScheduled(string)                 {}
func (Noop) IncStepExecuted(string, string)          {}
func (Noop) ObserveExecutionDuration(string, float64) {}

type pipelineProm struct {
	started       *prometheus.CounterVec
	completed     *prometheus.CounterVec
	stepScheduled *prometheus.CounterVec
	stepExecuted  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	once          sync.Once
}

// NewPipelineProm constructs PipelineMetrics backed by Prometheus collectors.
func NewPipelineProm(namespace string) PipelineMetrics {
	p := &pipelineProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Pipeline executions started by pipeline",
		}, []string{"pipeline"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_completed_total",
			Help:      "Pipeline executions finished by pipeline and status",
		}, []string{"pipeline", "status"}),
		stepScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_scheduled_total",
			Help:      "Step executions scheduled by pipeline",
		}, []string{"pipeline"}),
		stepExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Step executions finished by pipeline and status",
		}, []string{"pipeline", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time by pipeline",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}, []string{"pipeline"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.started, p.completed, p.stepScheduled, p.stepExecuted, p.duration)
	})
	return p
}

func (p *pipelineProm) IncExecutionStarted(pipeline string) {
	p.started.WithLabelValues(pipeline).Inc()
}

func (p *pipelineProm) IncExecutionCompleted(pipeline, status string) {
	p.completed.WithLabelValues(pipeline, status).Inc()
}

func (p *pipelineProm) IncStepScheduled(pipeline string) {
	p.stepScheduled.WithLabelValues(pipeline).Inc()
}

func (p *pipelineProm) IncStepExecuted(pipeline, status string) {
	p.stepExecuted.WithLabelValues(pipeline, status).Inc()
}

func (p *pipelineProm) ObserveExecutionDuration(pipeline string, durationSeconds float64) {
	p.duration.WithLabelValues(pipeline).Observe(durationSeconds)
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
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
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
