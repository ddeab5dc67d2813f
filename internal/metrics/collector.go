// Package metrics exposes Prometheus instruments for the artifact store and
// the request path. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tts"

// Collector owns a private registry; several collectors can live in one
// process.
type Collector struct {
	registry *prometheus.Registry

	poolBytes      *prometheus.GaugeVec
	poolArtifacts  *prometheus.GaugeVec
	poolLimitBytes *prometheus.GaugeVec

	admissions      *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	evictionBusy    *prometheus.CounterVec
	accountingDrift *prometheus.CounterVec
	reaperErrors    prometheus.Counter
	reaperTick      prometheus.Histogram

	pipelineJobs      *prometheus.CounterVec
	synthesisDuration *prometheus.HistogramVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers every instrument on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		poolBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_bytes",
			Help:      "Bytes accounted to a storage pool",
		}, []string{"pool"}),
		poolArtifacts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_artifacts",
			Help:      "Artifacts held by a storage pool",
		}, []string{"pool"}),
		poolLimitBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_limit_bytes",
			Help:      "Byte ceiling of a storage pool, 0 when unlimited",
		}, []string{"pool"}),

		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by pool, verdict and denial reason",
		}, []string{"pool", "verdict", "reason"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Artifacts evicted by pool and the ceiling that selected them",
		}, []string{"pool", "reason"}),
		evictionBusy: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_busy_skips_total",
			Help:      "Eviction candidates skipped because readers were attached",
		}, []string{"pool"}),
		accountingDrift: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounting_drift_total",
			Help:      "Directory scans that corrected the quota totals",
		}, []string{"pool"}),
		reaperErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_errors_total",
			Help:      "Errors swallowed by the reaper",
		}),
		reaperTick: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaper_tick_duration_seconds",
			Help:      "Duration of one reaper pass",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		pipelineJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_jobs_total",
			Help:      "Generation jobs by terminal or notable state",
		}, []string{"state"}),
		synthesisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Time from admission to seal or failure",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class",
		}, []string{"method", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetPoolUsage publishes a pool's accounted totals and byte ceiling.
func (c *Collector) SetPoolUsage(pool string, totalBytes int64, artifacts int, limitBytes int64) {
	if c == nil {
		return
	}

	c.poolBytes.WithLabelValues(pool).Set(float64(totalBytes))
	c.poolArtifacts.WithLabelValues(pool).Set(float64(artifacts))
	c.poolLimitBytes.WithLabelValues(pool).Set(float64(limitBytes))
}

// RecordAdmission counts one admission verdict. reason is empty unless the
// request was denied or throttled.
func (c *Collector) RecordAdmission(pool, verdict, reason string) {
	if c == nil {
		return
	}

	if reason == "" {
		reason = "none"
	}

	c.admissions.WithLabelValues(pool, verdict, reason).Inc()
}

// RecordEviction counts one evicted artifact.
func (c *Collector) RecordEviction(pool, reason string) {
	if c == nil {
		return
	}

	c.evictions.WithLabelValues(pool, reason).Inc()
}

// RecordEvictionBusy counts candidates skipped because they were being read.
func (c *Collector) RecordEvictionBusy(pool string, skipped int) {
	if c == nil || skipped == 0 {
		return
	}

	c.evictionBusy.WithLabelValues(pool).Add(float64(skipped))
}

// RecordDrift counts a reconciliation that had to correct the totals.
func (c *Collector) RecordDrift(pool string) {
	if c == nil {
		return
	}

	c.accountingDrift.WithLabelValues(pool).Inc()
}

// RecordReaperError counts an error the reaper logged and moved past.
func (c *Collector) RecordReaperError() {
	if c == nil {
		return
	}

	c.reaperErrors.Inc()
}

// ObserveReaperTick records the duration of one reaper pass.
func (c *Collector) ObserveReaperTick(d time.Duration) {
	if c == nil {
		return
	}

	c.reaperTick.Observe(d.Seconds())
}

// RecordJob counts a generation job reaching state.
func (c *Collector) RecordJob(state string) {
	if c == nil {
		return
	}

	c.pipelineJobs.WithLabelValues(state).Inc()
}

// ObserveSynthesis records how long a job spent streaming.
func (c *Collector) ObserveSynthesis(outcome string, d time.Duration) {
	if c == nil {
		return
	}

	c.synthesisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordHTTPRequest counts one served HTTP request.
func (c *Collector) RecordHTTPRequest(method string, status int, d time.Duration) {
	if c == nil {
		return
	}

	c.httpRequests.WithLabelValues(method, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}
