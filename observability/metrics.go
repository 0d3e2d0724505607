// Package observability exposes Prometheus collectors for the engine:
// dispatch counts/latency, callback failures, pipeline throughput, and
// rate limiter wait time. Grounded on JakeFAU's internal/metrics/metrics.go
// (the promauto collector set and Handler() exposure), generalized from
// a package-level sync.Once singleton to a per-Metrics-instance registry
// so a process embedding this engine as a library can run more than one
// scraper without collector registration collisions.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this engine reports. The zero value is
// not usable; use New.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	callbackErrorsTotal prometheus.Counter
	pipelineItemsTotal  *prometheus.CounterVec
	rateLimitWaitSeconds *prometheus.HistogramVec
	schedulerPending    prometheus.Gauge
	retryAttemptsTotal  *prometheus.CounterVec
}

// New builds a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scraperctl_dispatch_total",
			Help: "Total number of requests dispatched, labeled by method and status code.",
		}, []string{"method", "status"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraperctl_dispatch_duration_seconds",
			Help:    "Histogram of dispatch latencies, labeled by method.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),
		callbackErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "scraperctl_callback_errors_total",
			Help: "Total number of callback invocations that returned an error.",
		}),
		pipelineItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scraperctl_pipeline_items_total",
			Help: "Total number of items dispatched through the pipeline, labeled by item type and outcome.",
		}, []string{"type", "outcome"}),
		rateLimitWaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraperctl_rate_limit_wait_seconds",
			Help:    "Histogram of rate limiter acquire wait durations, labeled by group.",
			Buckets: []float64{0, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"group"}),
		schedulerPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "scraperctl_scheduler_pending",
			Help: "Number of requests currently queued in the scheduler.",
		}),
		retryAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scraperctl_retry_attempts_total",
			Help: "Total number of retry re-submissions, labeled by strategy.",
		}, []string{"strategy"}),
	}
}

// Handler exposes the registry's collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DiagnosticsMux builds the optional /healthz + /readyz + /metrics
// surface mirroring JakeFAU's internal/api/server.go route set: a
// liveness probe that always answers {"status":"ok"}, a readiness
// probe, and the Prometheus scrape target. drained reports whether the
// engine has finished draining; /readyz answers {"status":"drained"}
// once it returns true and {"status":"draining"} before, both with 200.
func (m *Metrics) DiagnosticsMux(drained func() bool) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		body := `{"status":"draining"}`
		if drained != nil && drained() {
			body = `{"status":"drained"}`
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	r.Handle("/metrics", m.Handler())
	return r
}

// ObserveDispatch satisfies requestmgr.Observer: it records one
// dispatch's outcome and latency.
func (m *Metrics) ObserveDispatch(method string, statusCode int, failed bool, latency time.Duration) {
	status := strconv.Itoa(statusCode)
	if failed {
		status = "error"
	}
	m.dispatchTotal.WithLabelValues(method, status).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(latency.Seconds())
}

// ObserveCallbackError satisfies requestmgr.Observer.
func (m *Metrics) ObserveCallbackError(error) {
	m.callbackErrorsTotal.Inc()
}

// ObservePipelineItem records one item dispatched through a pipeline.
func (m *Metrics) ObservePipelineItem(typeName string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.pipelineItemsTotal.WithLabelValues(typeName, outcome).Inc()
}

// ObserveRateLimitWait records how long an Acquire call blocked.
func (m *Metrics) ObserveRateLimitWait(group string, wait time.Duration) {
	m.rateLimitWaitSeconds.WithLabelValues(group).Observe(wait.Seconds())
}

// SetSchedulerPending updates the current queue depth gauge.
func (m *Metrics) SetSchedulerPending(n int) {
	m.schedulerPending.Set(float64(n))
}

// ObserveRetryAttempt records one retry re-submission.
func (m *Metrics) ObserveRetryAttempt(strategy string) {
	m.retryAttemptsTotal.WithLabelValues(strategy).Inc()
}
