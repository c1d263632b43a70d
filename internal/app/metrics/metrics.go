// Package metrics exposes the Prometheus instrumentation surface, grounded
// on the teacher's metrics middleware (prometheus/client_golang already in
// its go.mod) and generalized across HTTP, the event queue, and the relay
// gateway. Only the HTTP request metrics are recorded (via
// InstrumentHandler); the event-queue, admission, poller and job-status
// collectors are registered and exported, but nothing in this module
// updates them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_http_requests_total",
		Help: "Total HTTP requests served, by route and status code.",
	}, []string{"route", "method", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshrelay_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_events_delivered_total",
		Help: "Events successfully delivered to at least one relay, by kind.",
	}, []string{"kind"})

	EventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_events_delivery_failed_total",
		Help: "Events that exhausted retries without any relay accepting them.",
	}, []string{"kind"})

	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_admission_rejections_total",
		Help: "Events rejected by the relay gateway admission pipeline, by reason class.",
	}, []string{"reason"})

	PollerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_poller_runs_total",
		Help: "Poller reconciliation passes, by poller name and outcome.",
	}, []string{"poller", "outcome"})

	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshrelay_jobs_by_status",
		Help: "Current job count by lifecycle status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration,
		EventsDelivered, EventsFailed, AdmissionRejections, PollerRuns, JobsByStatus,
	)
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next, recording request count and latency under
// route (the caller's logical route name, not the raw path, to keep
// cardinality bounded).
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
