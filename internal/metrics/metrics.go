package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the marketplace collectors.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics, labelled by entity and final state
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	ReconcileGapTotal *prometheus.CounterVec

	// Chain failures by heuristic kind
	ChainErrorTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Schema validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec

	RateLimitRejectedTotal *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, registering collectors with the
// default registry on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_reconcile_total",
			Help: "Reconciliations by entity, final state and ID source",
		}, []string{"entity", "state", "id_source"}),

		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_reconcile_duration_seconds",
			Help:    "Time from confirmation wait to persistence",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"entity", "state"}),

		ReconcileGapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_reconcile_gap_total",
			Help: "Reconciliations that fell back to a synthetic ID or failed to persist",
		}, []string{"entity", "reason"}),

		ChainErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_chain_errors_total",
			Help: "Chain submit and confirmation failures by kind",
		}, []string{"op", "kind"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_schema_validation_duration_seconds",
			Help:    "Schema validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),

		RateLimitRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"class"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ReconcileTotal)
	registerOrGet(m.ReconcileDuration)
	registerOrGet(m.ReconcileGapTotal)
	registerOrGet(m.ChainErrorTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.SchemaValidationDuration)
	registerOrGet(m.RateLimitRejectedTotal)
}

// registerOrGet registers c, tolerating a collector that is already registered.
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
