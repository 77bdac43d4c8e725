package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation outcome labels.
const (
	OutcomeGranted   = "granted"
	OutcomeRenewal   = "renewal"
	OutcomeOverdue   = "overdue"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// WebhookMetrics counts gateway webhook deliveries by reconciliation outcome.
type WebhookMetrics struct {
	events *prometheus.CounterVec
}

var (
	webhookOnce    sync.Once
	webhookMetrics *WebhookMetrics
)

// Webhook returns the singleton webhook metrics registry.
func Webhook() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookMetrics = &WebhookMetrics{
			events: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "advai_webhook_events_total",
				Help: "Gateway webhook deliveries by reconciliation outcome.",
			}, []string{"event", "outcome"}),
		}
	})
	return webhookMetrics
}

func (m *WebhookMetrics) IncEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

// SchedulerMetrics captures batch job health signals.
type SchedulerMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobSkips    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	itemsFailed *prometheus.CounterVec
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = &SchedulerMetrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "advai_scheduler_job_runs_total",
				Help: "Scheduler job executions.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "advai_scheduler_job_errors_total",
				Help: "Scheduler job executions that returned an error.",
			}, []string{"job"}),
			jobSkips: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "advai_scheduler_job_skips_total",
				Help: "Scheduler job runs skipped (guard not met or lock held elsewhere).",
			}, []string{"job", "reason"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "advai_scheduler_job_duration_seconds",
				Help:    "Scheduler job wall time.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			itemsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "advai_scheduler_items_failed_total",
				Help: "Per-item failures inside batch jobs.",
			}, []string{"job"}),
		}
	})
	return schedulerMetrics
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobSkip(job, reason string) {
	if m == nil {
		return
	}
	m.jobSkips.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncItemFailed(job string) {
	if m == nil {
		return
	}
	m.itemsFailed.WithLabelValues(job).Inc()
}

// HTTPMetrics instruments inbound requests.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "advai_http_requests_total",
			Help: "Inbound HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advai_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// GinMiddleware records request counts and latencies per route.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
