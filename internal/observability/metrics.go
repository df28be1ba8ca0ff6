package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_http_requests_total",
			Help: "Total number of HTTP requests by matched route.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_http_request_duration_seconds",
			Help:    "HTTP request latency by matched route. Turns dominate the upper buckets.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route", "status"},
	)
	sourcesLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_sources_loaded_total",
			Help: "Total number of data sources opened for sessions by origin, format and outcome.",
		},
		[]string{"origin", "format", "outcome"},
	)
	stagedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_staged_bytes_total",
			Help: "Total bytes of uploaded or imported files staged on local disk.",
		},
		[]string{"origin"},
	)
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_turns_total",
			Help: "Total number of conversation turns by outcome.",
		},
		[]string{"outcome"},
	)
	turnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_turn_duration_seconds",
			Help:    "End-to-end conversation turn latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)
	inferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_inference_requests_total",
			Help: "Total number of chat-completion calls by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)
	inferenceLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_inference_latency_ms",
			Help:    "Chat-completion latency in milliseconds by purpose.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 30000},
		},
		[]string{"purpose"},
	)
	queryExecutionMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_query_execution_ms",
			Help:    "Query execution latency in milliseconds by engine.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"engine"},
	)
	unsafeQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_unsafe_queries_total",
			Help: "Total number of generated statements rejected before execution.",
		},
	)
	fallbackAnswersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_fallback_answers_total",
			Help: "Total number of answers produced without the formatting model call.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlchat_active_sessions",
			Help: "Current number of open chat sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		sourcesLoadedTotal,
		stagedBytesTotal,
		turnsTotal,
		turnDurationSeconds,
		inferenceRequestsTotal,
		inferenceLatencyMs,
		queryExecutionMs,
		unsafeQueriesTotal,
		fallbackAnswersTotal,
		activeSessions,
	)
}

// ObserveSourceLoad records one attempt to open a session source. Staged
// bytes are counted for successful loads of local files only.
func ObserveSourceLoad(origin, format, outcome string, stagedBytes int64) {
	sourcesLoadedTotal.WithLabelValues(origin, format, outcome).Inc()
	if outcome == "ok" && stagedBytes > 0 {
		stagedBytesTotal.WithLabelValues(origin).Add(float64(stagedBytes))
	}
}

func ObserveTurn(outcome string, elapsed time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveInference(purpose, outcome string, elapsed time.Duration) {
	inferenceRequestsTotal.WithLabelValues(purpose, outcome).Inc()
	inferenceLatencyMs.WithLabelValues(purpose).Observe(float64(elapsed.Milliseconds()))
}

func ObserveQueryExecution(engine string, elapsed time.Duration) {
	queryExecutionMs.WithLabelValues(engine).Observe(float64(elapsed.Milliseconds()))
}

func IncrementUnsafeQuery() {
	unsafeQueriesTotal.Inc()
}

func IncrementFallbackAnswer() {
	fallbackAnswersTotal.Inc()
}

func SessionOpened() {
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}
