// Package metrics provides Prometheus metrics for the node orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a DataFold node.
type Metrics struct {
	// Operation metrics (execute_operation: query/mutation)
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationsInFlight prometheus.Gauge

	// Schema metrics
	SchemasByState  *prometheus.GaugeVec
	SchemaLoads     *prometheus.CounterVec
	TransformRuns   *prometheus.CounterVec
	TransformErrors *prometheus.CounterVec

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	StorageLatency    *prometheus.HistogramVec
	StorageErrors     *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   *prometheus.GaugeVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec
	AuthLatency  *prometheus.HistogramVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec

	// Key rotation metrics
	RotationsTotal      *prometheus.CounterVec
	RotationLatency     *prometheus.HistogramVec
	AssociationsMoved   prometheus.Counter
	PropagationAckRatio *prometheus.GaugeVec

	// Network metrics
	PeersConnected   prometheus.Gauge
	ForwardedTotal   *prometheus.CounterVec
	ForwardedLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_operations_total",
			Help: "Total number of execute_operation calls",
		},
		[]string{"kind", "schema", "status"},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datafold_node_operation_duration_seconds",
			Help:    "execute_operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "schema"},
	)

	m.OperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datafold_node_operations_in_flight",
			Help: "Number of operations currently executing",
		},
	)

	m.SchemasByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datafold_node_schemas_by_state",
			Help: "Number of known schemas by lifecycle state",
		},
		[]string{"state"},
	)

	m.SchemaLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_schema_loads_total",
			Help: "Total number of schema load attempts",
		},
		[]string{"result"},
	)

	m.TransformRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_transform_runs_total",
			Help: "Total number of field transform executions",
		},
		[]string{"schema", "field"},
	)

	m.TransformErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_transform_errors_total",
			Help: "Total number of field transform execution failures",
		},
		[]string{"schema", "field"},
	)

	m.StorageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"backend", "operation"},
	)

	m.StorageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datafold_node_storage_latency_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	m.StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_storage_errors_total",
			Help: "Total number of storage errors",
		},
		[]string{"backend", "operation"},
	)

	m.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	m.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	m.CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datafold_node_cache_size",
			Help: "Current cache size",
		},
		[]string{"cache"},
	)

	m.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_auth_attempts_total",
			Help: "Total number of signature verification attempts",
		},
		[]string{"method"},
	)

	m.AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_auth_failures_total",
			Help: "Total number of signature verification failures",
		},
		[]string{"method", "reason"},
	)

	m.AuthLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datafold_node_auth_latency_seconds",
			Help:    "Signature verification latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"client"},
	)

	m.RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_key_rotations_total",
			Help: "Total number of key rotations by terminal status",
		},
		[]string{"status", "reason"},
	)

	m.RotationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datafold_node_key_rotation_latency_seconds",
			Help:    "Key rotation commit latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	m.AssociationsMoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datafold_node_rotation_associations_moved_total",
			Help: "Total number of association-index entries rewritten during key rotation",
		},
	)

	m.PropagationAckRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datafold_node_rotation_propagation_ack_ratio",
			Help: "Fraction of trusted peers that acknowledged the most recent rotation propagation",
		},
		[]string{"correlation_id"},
	)

	m.PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datafold_node_peers_connected",
			Help: "Number of trusted peers currently marked connected",
		},
	)

	m.ForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datafold_node_forwarded_requests_total",
			Help: "Total number of requests forwarded to peers",
		},
		[]string{"peer", "result"},
	)

	m.ForwardedLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datafold_node_forwarded_request_latency_seconds",
			Help:    "Peer-forwarded request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	m.registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.OperationsInFlight,
		m.SchemasByState,
		m.SchemaLoads,
		m.TransformRuns,
		m.TransformErrors,
		m.StorageOperations,
		m.StorageLatency,
		m.StorageErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheSize,
		m.AuthAttempts,
		m.AuthFailures,
		m.AuthLatency,
		m.RateLimitHits,
		m.RotationsTotal,
		m.RotationLatency,
		m.AssociationsMoved,
		m.PropagationAckRatio,
		m.PeersConnected,
		m.ForwardedTotal,
		m.ForwardedLatency,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// RecordOperation records one execute_operation call: kind is "query"
// or "mutation", schema is the target schema name.
func (m *Metrics) RecordOperation(kind, schema string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(kind, schema, status).Inc()
	m.OperationDuration.WithLabelValues(kind, schema).Observe(duration.Seconds())
}

// RecordSchemaLoad records a schema load attempt.
func (m *Metrics) RecordSchemaLoad(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.SchemaLoads.WithLabelValues(result).Inc()
}

// RecordTransformRun records a field transform execution.
func (m *Metrics) RecordTransformRun(schemaName, field string, err error) {
	m.TransformRuns.WithLabelValues(schemaName, field).Inc()
	if err != nil {
		m.TransformErrors.WithLabelValues(schemaName, field).Inc()
	}
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	m.StorageOperations.WithLabelValues(backend, operation).Inc()
	m.StorageLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordCacheAccess records a cache access.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
	} else {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}

// RecordAuthAttempt records a signature verification attempt.
func (m *Metrics) RecordAuthAttempt(method string, success bool, reason string, duration time.Duration) {
	m.AuthAttempts.WithLabelValues(method).Inc()
	m.AuthLatency.WithLabelValues(method).Observe(duration.Seconds())
	if !success {
		m.AuthFailures.WithLabelValues(method, reason).Inc()
	}
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(client string) {
	m.RateLimitHits.WithLabelValues(client).Inc()
}

// RecordRotation records a completed rotation attempt and its latency.
func (m *Metrics) RecordRotation(status, reason string, duration time.Duration, associationsMoved int) {
	m.RotationsTotal.WithLabelValues(status, reason).Inc()
	m.RotationLatency.WithLabelValues(status).Observe(duration.Seconds())
	if associationsMoved > 0 {
		m.AssociationsMoved.Add(float64(associationsMoved))
	}
}

// RecordPropagationAck records the ack ratio for a rotation's peer propagation.
func (m *Metrics) RecordPropagationAck(correlationID string, acked, total int) {
	ratio := 0.0
	if total > 0 {
		ratio = float64(acked) / float64(total)
	}
	m.PropagationAckRatio.WithLabelValues(correlationID).Set(ratio)
}

// RecordForward records a forwarded-request outcome and latency.
func (m *Metrics) RecordForward(peer string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ForwardedTotal.WithLabelValues(peer, result).Inc()
	m.ForwardedLatency.WithLabelValues(peer).Observe(duration.Seconds())
}

// UpdateSchemaStateCount sets the gauge for a given lifecycle state.
func (m *Metrics) UpdateSchemaStateCount(state string, count float64) {
	m.SchemasByState.WithLabelValues(state).Set(count)
}

// UpdateCacheSize updates the cache size.
func (m *Metrics) UpdateCacheSize(cache string, size float64) {
	m.CacheSize.WithLabelValues(cache).Set(size)
}

// UpdatePeersConnected sets the connected-peer gauge.
func (m *Metrics) UpdatePeersConnected(count float64) {
	m.PeersConnected.Set(count)
}
