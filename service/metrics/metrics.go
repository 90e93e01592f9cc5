package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	rpcCallsTotal     *prometheus.CounterVec
	rpcCallDuration   *prometheus.HistogramVec
	rpcRateLimitWaits *prometheus.CounterVec

	// Quote & Gas Metrics
	quoteAttemptsTotal *prometheus.CounterVec
	priceFetchesTotal  *prometheus.CounterVec

	// Session Metrics
	sessionTransitionsTotal *prometheus.CounterVec
	stepResultsTotal        *prometheus.CounterVec
	verificationsTotal      *prometheus.CounterVec

	// Workflow Metrics
	trackWorkflowDuration *prometheus.HistogramVec
	activityDuration      *prometheus.HistogramVec

	// Storage Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		rpcRateLimitWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_rate_limit_waits_total",
				Help: "Total number of chain RPC calls delayed by the client-side rate limiter",
			},
			[]string{"method"},
		),

		quoteAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dex_quote_attempts_total",
				Help: "Total number of DEX quote attempts by protocol and status",
			},
			[]string{"protocol", "status"},
		),
		priceFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gas_price_source_fetches_total",
				Help: "Total number of native/fiat price lookups by source and status",
			},
			[]string{"source", "status"},
		),

		sessionTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_session_transitions_total",
				Help: "Total number of funding sessions entering each status",
			},
			[]string{"status"},
		),
		stepResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_step_results_total",
				Help: "Total number of recorded step results by kind and status",
			},
			[]string{"kind", "status"},
		),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_verifications_total",
				Help: "Total number of completion verifications by outcome",
			},
			[]string{"outcome"},
		),

		trackWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "track_step_workflow_duration_seconds",
				Help:    "Duration of receipt tracking workflows in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"outcome"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "track_step_activity_duration_seconds",
				Help:    "Duration of receipt tracking activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_cache_lookups_total",
				Help: "Total number of session cache lookups by result",
			},
			[]string{"result"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"status"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
	m.rpcCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRateLimitWait records a call that had to wait on the limiter.
func (m *Metrics) RecordRateLimitWait(method string) {
	m.rpcRateLimitWaits.WithLabelValues(method).Inc()
}

// Quote and gas metric helpers

func (m *Metrics) RecordQuoteAttempt(protocol, status string) {
	m.quoteAttemptsTotal.WithLabelValues(protocol, status).Inc()
}

func (m *Metrics) RecordPriceFetch(source, status string) {
	m.priceFetchesTotal.WithLabelValues(source, status).Inc()
}

// Session metric helpers

// RecordSessionTransition counts a session entering status.
func (m *Metrics) RecordSessionTransition(status string) {
	m.sessionTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordStepResult counts a recorded step report.
func (m *Metrics) RecordStepResult(kind, status string) {
	m.stepResultsTotal.WithLabelValues(kind, status).Inc()
}

// RecordVerification counts a verifier run (valid, warning, shortfall, error).
func (m *Metrics) RecordVerification(outcome string) {
	m.verificationsTotal.WithLabelValues(outcome).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records a tracking workflow's duration.
func (m *Metrics) RecordWorkflowDuration(outcome string, duration float64) {
	m.trackWorkflowDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Storage metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordCacheLookup counts a cache hit, miss or error.
func (m *Metrics) RecordCacheLookup(result string) {
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation. Subjects are per
// session, so only the status is used as a label.
func (m *Metrics) RecordNATSPublish(status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(status).Inc()
	m.natsPublishDuration.WithLabelValues(status).Observe(duration)
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
