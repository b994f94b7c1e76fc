// Package metrics exposes Prometheus collectors for the pipeline. A nil
// *Metrics is a valid no-op receiver so wiring stays optional in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Mondrian collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	modelCalls       *prometheus.CounterVec
	modelCallSeconds prometheus.Histogram
	sseEvents        *prometheus.CounterVec
	sseDropped       prometheus.Counter
	fallbacks        *prometheus.CounterVec
	reapedJobs       prometheus.Counter
	childRestarts    *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mondrian_jobs_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mondrian_job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mondrian_model_calls_total",
			Help: "Model callable invocations, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		modelCallSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mondrian_model_call_seconds",
			Help:    "Duration of individual model calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		sseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mondrian_sse_events_total",
			Help: "SSE events published, by type.",
		}, []string{"type"}),
		sseDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mondrian_sse_dropped_total",
			Help: "SSE events dropped due to full subscriber buffers.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mondrian_strategy_fallbacks_total",
			Help: "Strategy fallback transitions, by requested and effective mode.",
		}, []string{"from", "to"}),
		reapedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mondrian_reaped_jobs_total",
			Help: "Jobs marked errored by the timeout reaper.",
		}),
		childRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mondrian_child_restarts_total",
			Help: "Supervisor child restarts, by child name.",
		}, []string{"child"}),
	}
	reg.MustRegister(m.jobsTotal, m.jobDuration, m.modelCalls, m.modelCallSeconds,
		m.sseEvents, m.sseDropped, m.fallbacks, m.reapedJobs, m.childRestarts)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobFinished records a terminal job and its duration.
func (m *Metrics) JobFinished(status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.Observe(dur.Seconds())
}

// ModelCall records one model invocation.
func (m *Metrics) ModelCall(mode, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(mode, outcome).Inc()
	m.modelCallSeconds.Observe(dur.Seconds())
}

// SSEEvent counts one published event.
func (m *Metrics) SSEEvent(eventType string) {
	if m == nil {
		return
	}
	m.sseEvents.WithLabelValues(eventType).Inc()
}

// SSEDropped counts one dropped event.
func (m *Metrics) SSEDropped() {
	if m == nil {
		return
	}
	m.sseDropped.Inc()
}

// Fallback records a strategy fallback from the requested to the effective
// mode.
func (m *Metrics) Fallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(from, to).Inc()
}

// JobReaped counts one reaped job.
func (m *Metrics) JobReaped() {
	if m == nil {
		return
	}
	m.reapedJobs.Inc()
}

// ChildRestarted counts one supervisor child restart.
func (m *Metrics) ChildRestarted(child string) {
	if m == nil {
		return
	}
	m.childRestarts.WithLabelValues(child).Inc()
}
