package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_published_total",
			Help: "Events appended to the shared log by type.",
		},
		[]string{"type"},
	)
	eventPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_event_publish_failures_total",
			Help: "Failed appends to the shared log by type.",
		},
		[]string{"type"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_consumed_total",
			Help: "Events delivered to a consumer group by type.",
		},
		[]string{"group", "type"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_handler_failures_total",
			Help: "Event handler errors by group and type (entry still acknowledged).",
		},
		[]string{"group", "type"},
	)
	unknownEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_unknown_events_total",
			Help: "Events acknowledged without a registered handler.",
		},
		[]string{"group"},
	)
	reclaimedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_reclaimed_entries_total",
			Help: "Stale pending entries reclaimed by group.",
		},
		[]string{"group"},
	)
	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_job_transitions_total",
			Help: "Job status transitions by service and target status.",
		},
		[]string{"service", "status"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Time from processing start to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"service", "status"},
	)
	jobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_job_queue_depth",
			Help: "Jobs waiting for a worker by service.",
		},
		[]string{"service"},
	)
	upstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_upstream_calls_total",
			Help: "Calls to upstream generation services by outcome.",
		},
		[]string{"service", "outcome"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_upstream_call_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
		},
		[]string{"service"},
	)
	exportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_export_failures_total",
			Help: "Failed republications to the warehouse topic.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Current number of tasks in an asynq queue.",
		},
		[]string{"queue"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsPublished, eventPublishFailures, eventsConsumed,
		handlerFailures, unknownEvents, reclaimedEntries,
		jobTransitions, jobDuration, jobQueueDepth,
		upstreamCalls, upstreamLatency,
		exportFailures, asynqQueueDepth, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

func IncEventPublishFailure(eventType string) {
	eventPublishFailures.WithLabelValues(eventType).Inc()
}

func IncEventConsumed(group string, eventType string) {
	eventsConsumed.WithLabelValues(group, eventType).Inc()
}

func IncHandlerFailure(group string, eventType string) {
	handlerFailures.WithLabelValues(group, eventType).Inc()
}

func IncUnknownEvent(group string) {
	unknownEvents.WithLabelValues(group).Inc()
}

func AddReclaimedEntries(group string, n int) {
	reclaimedEntries.WithLabelValues(group).Add(float64(n))
}

func IncJobTransition(service string, status string) {
	jobTransitions.WithLabelValues(service, status).Inc()
}

func ObserveJobDuration(service string, status string, d time.Duration) {
	jobDuration.WithLabelValues(service, status).Observe(d.Seconds())
}

func SetJobQueueDepth(service string, depth int) {
	jobQueueDepth.WithLabelValues(service).Set(float64(depth))
}

func IncUpstreamCall(service string, outcome string) {
	upstreamCalls.WithLabelValues(service, outcome).Inc()
}

func ObserveUpstreamLatency(service string, d time.Duration) {
	upstreamLatency.WithLabelValues(service).Observe(d.Seconds())
}

func IncExportFailure() {
	exportFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
