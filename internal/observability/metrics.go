package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Total number of HTTP requests processed by the dm service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dm_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_mutations_total",
			Help: "Optimistic mutations by operation and outcome.",
		},
		[]string{"op", "result"},
	)
	mutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_mutation_commit_seconds",
			Help:    "Time from local apply to remote commit result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	fanOutBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_fanout_batches_total",
			Help: "Reply snapshot fan-out batches by outcome.",
		},
		[]string{"result"},
	)
	fanOutUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_fanout_updates_total",
			Help: "Reply snapshots rewritten by fan-out.",
		},
	)
	readFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_read_receipt_flushes_total",
			Help: "Read-receipt batch writes by outcome.",
		},
		[]string{"result"},
	)
	readMarkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_read_receipt_messages_total",
			Help: "Messages marked read by the batcher.",
		},
	)
	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_stream_errors_total",
			Help: "Live subscription listener errors.",
		},
		[]string{"backend"},
	)
	invalidDocumentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_invalid_documents_total",
			Help: "Remote documents dropped at the store boundary.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_active_sessions",
			Help: "Conversation sessions currently bound.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		mutationsTotal,
		mutationDuration,
		fanOutBatchesTotal,
		fanOutUpdatesTotal,
		readFlushesTotal,
		readMarkedTotal,
		streamErrorsTotal,
		invalidDocumentsTotal,
		activeSessions,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// ObserveMutation records the outcome of one optimistic mutation.
func ObserveMutation(op, result string, elapsed time.Duration) {
	mutationsTotal.WithLabelValues(op, result).Inc()
	mutationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func IncFanOutBatch(result string, updates int) {
	fanOutBatchesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		fanOutUpdatesTotal.Add(float64(updates))
	}
}

func IncReadFlush(result string, marked int) {
	readFlushesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		readMarkedTotal.Add(float64(marked))
	}
}

func IncStreamError(backend string) {
	streamErrorsTotal.WithLabelValues(backend).Inc()
}

func AddInvalidDocuments(n int) {
	if n > 0 {
		invalidDocumentsTotal.Add(float64(n))
	}
}

func IncSessions() {
	activeSessions.Inc()
}

func DecSessions() {
	activeSessions.Dec()
}
