// Package metrics holds the Prometheus instruments for the API and worker
// processes. A nil *Metrics disables recording, so tests do not have to fight
// the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsCreated     *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobsCancelled   prometheus.Counter
	CacheHits       prometheus.Counter
	RenderSeconds   *prometheus.HistogramVec
	JobCostUSD      prometheus.Histogram
	CreditsReserved prometheus.Counter
	CreditsSettled  prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudexport_jobs_created_total",
			Help: "Jobs accepted for dispatch, by gpu class.",
		}, []string{"gpu_class"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudexport_jobs_completed_total",
			Help: "Jobs that reached COMPLETED, by gpu class.",
		}, []string{"gpu_class"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudexport_jobs_failed_total",
			Help: "Jobs that reached FAILED, by gpu class.",
		}, []string{"gpu_class"}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudexport_jobs_cancelled_total",
			Help: "Jobs cancelled by their owner.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudexport_cache_hits_total",
			Help: "Job creations satisfied from the result cache.",
		}),
		RenderSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudexport_render_duration_seconds",
			Help:    "Wall-clock render time per job.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"gpu_class"}),
		JobCostUSD: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudexport_job_cost_usd",
			Help:    "Final billed cost per completed job.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		CreditsReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudexport_credits_reserved_total",
			Help: "Credits placed on hold for accepted jobs.",
		}),
		CreditsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudexport_credits_settled_total",
			Help: "Credits charged at settlement.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudexport_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudexport_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cloudexport_ws_connections",
			Help: "Open progress websocket connections.",
		}),
	}
}

func (m *Metrics) RecordJobCreated(gpuClass string) {
	if m == nil {
		return
	}
	m.JobsCreated.WithLabelValues(gpuClass).Inc()
}

func (m *Metrics) RecordJobCompleted(gpuClass string, renderSeconds, costUSD float64) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(gpuClass).Inc()
	m.RenderSeconds.WithLabelValues(gpuClass).Observe(renderSeconds)
	m.JobCostUSD.Observe(costUSD)
}

func (m *Metrics) RecordJobFailed(gpuClass string) {
	if m == nil {
		return
	}
	m.JobsFailed.WithLabelValues(gpuClass).Inc()
}

func (m *Metrics) RecordJobCancelled() {
	if m == nil {
		return
	}
	m.JobsCancelled.Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) RecordReserve(amount float64) {
	if m == nil {
		return
	}
	m.CreditsReserved.Add(amount)
}

func (m *Metrics) RecordSettle(amount float64) {
	if m == nil {
		return
	}
	m.CreditsSettled.Add(amount)
}

func (m *Metrics) RecordHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) WSOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
