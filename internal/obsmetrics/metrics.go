// Package obsmetrics exposes Prometheus metrics for cmd/se-gateway, adapted
// from the teacher's internal/metrics (which instrumented an S3 proxy) onto
// the self-encryption engine's own operations: chunk store put/get/delete,
// chunk encrypt/decrypt, flush duration, ripple size, sequencer occupancy,
// and read-cache hit rate, plus the ambient HTTP/system metrics the teacher
// always carried regardless of which domain sat behind the gateway.
package obsmetrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableStoreLabel bool
}

// Metrics holds all application metrics for the self-encryption gateway.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	storeOperationErrors   *prometheus.CounterVec

	chunkOperations *prometheus.CounterVec
	chunkDuration   *prometheus.HistogramVec
	chunkErrors     *prometheus.CounterVec
	chunkBytes      *prometheus.CounterVec

	flushDuration       prometheus.Histogram
	rippleChunks        prometheus.Histogram
	sequencerOccupancy  prometheus.Gauge
	readCacheHitRatio   prometheus.Gauge

	rotatedReads     *prometheus.CounterVec
	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec
	httpPanicsTotal  *prometheus.CounterVec

	activeConnections           prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableStoreLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// Useful for tests, to avoid duplicate-registration panics against the
// global default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableStoreLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_request_bytes_total", Help: "Total bytes transferred in HTTP requests"},
			[]string{"method", "path"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "chunk_store_operations_total", Help: "Total number of chunk store operations"},
			[]string{"operation", "store"},
		),
		storeOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "chunk_store_operation_duration_seconds", Help: "Chunk store operation duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"operation", "store"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "chunk_store_operation_errors_total", Help: "Total number of chunk store operation errors"},
			[]string{"operation", "store", "error_type"},
		),
		chunkOperations: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "chunk_pipeline_operations_total", Help: "Total number of chunk encrypt/decrypt operations"},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		chunkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_pipeline_duration_seconds",
				Help:    "Chunk encrypt/decrypt operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		chunkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "chunk_pipeline_errors_total", Help: "Total number of chunk encrypt/decrypt errors"},
			[]string{"operation", "error_type"},
		),
		chunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "chunk_pipeline_bytes_total", Help: "Total plaintext bytes encrypted/decrypted"},
			[]string{"operation"},
		),
		flushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{Name: "engine_flush_duration_seconds", Help: "Engine.Flush duration in seconds", Buckets: prometheus.DefBuckets},
		),
		rippleChunks: factory.NewHistogram(
			prometheus.HistogramOpts{Name: "engine_flush_ripple_chunks", Help: "Number of chunks re-encrypted per Flush due to neighbor-pad ripple", Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100, 500}},
		),
		sequencerOccupancy: factory.NewGauge(
			prometheus.GaugeOpts{Name: "engine_sequencer_entries", Help: "Number of pending out-of-order write entries in the sequencer"},
		),
		readCacheHitRatio: factory.NewGauge(
			prometheus.GaugeOpts{Name: "engine_read_cache_hit_ratio", Help: "Read cache hits / (hits+misses) as of the last sample"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "kms_rotated_reads_total", Help: "Total number of unwrap operations using rotated (non-active) key versions"},
			[]string{"key_version", "active_version"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "buffer_pool_hits_total", Help: "Total number of buffer pool hits"},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "buffer_pool_misses_total", Help: "Total number of buffer pool misses"},
			[]string{"size_class"},
		),
		httpPanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_panics_total", Help: "Total number of panics recovered by the HTTP handler chain"},
			[]string{"path"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{Name: "active_connections", Help: "Number of active HTTP connections"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{Name: "goroutines_total", Help: "Number of goroutines"},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_sys_bytes", Help: "Total bytes of memory obtained from OS"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hardware_acceleration_enabled", Help: "Hardware acceleration status (1=enabled, 0=disabled)"},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordStoreOperation records a chunk store operation (put/get/delete).
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, store string, duration time.Duration) {
	storeLabel := store
	if !m.config.EnableStoreLabel {
		storeLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.storeOperationsTotal.WithLabelValues(operation, storeLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.storeOperationsTotal.WithLabelValues(operation, storeLabel).Inc()
		}
		if observer, ok := m.storeOperationDuration.WithLabelValues(operation, storeLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.storeOperationDuration.WithLabelValues(operation, storeLabel).Observe(duration.Seconds())
		}
	} else {
		m.storeOperationsTotal.WithLabelValues(operation, storeLabel).Inc()
		m.storeOperationDuration.WithLabelValues(operation, storeLabel).Observe(duration.Seconds())
	}
}

// RecordStoreError records a chunk store operation error.
func (m *Metrics) RecordStoreError(ctx context.Context, operation, store, errorType string) {
	storeLabel := store
	if !m.config.EnableStoreLabel {
		storeLabel = "*"
	}
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.storeOperationErrors.WithLabelValues(operation, storeLabel, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.storeOperationErrors.WithLabelValues(operation, storeLabel, errorType).Inc()
		}
	} else {
		m.storeOperationErrors.WithLabelValues(operation, storeLabel, errorType).Inc()
	}
}

// RecordChunkOperation records a chunk encrypt/decrypt operation.
func (m *Metrics) RecordChunkOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.chunkDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.chunkDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.chunkOperations.WithLabelValues(operation).Inc()
		m.chunkDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
	m.chunkBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordChunkError records a chunk encrypt/decrypt error.
func (m *Metrics) RecordChunkError(ctx context.Context, operation, errorType string) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkErrors.WithLabelValues(operation, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkErrors.WithLabelValues(operation, errorType).Inc()
		}
	} else {
		m.chunkErrors.WithLabelValues(operation, errorType).Inc()
	}
}

// RecordFlush records the duration of an Engine.Flush call and how many
// chunks it re-encrypted (directly written plus neighbor-pad ripple).
func (m *Metrics) RecordFlush(duration time.Duration, rippleChunkCount int) {
	m.flushDuration.Observe(duration.Seconds())
	m.rippleChunks.Observe(float64(rippleChunkCount))
}

// SetSequencerOccupancy records the current number of pending out-of-order
// write entries held by an engine's sequencer.
func (m *Metrics) SetSequencerOccupancy(n int) {
	m.sequencerOccupancy.Set(float64(n))
}

// SetReadCacheHitRatio records an engine's read cache hits/(hits+misses).
func (m *Metrics) SetReadCacheHitRatio(ratio float64) {
	m.readCacheHitRatio.Set(ratio)
}

// RecordRotatedRead records an unwrap operation using a rotated (non-active) key version.
func (m *Metrics) RecordRotatedRead(ctx context.Context, keyVersion, activeVersion int) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
		}
	} else {
		m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
	}
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// AddBufferPoolHits and AddBufferPoolMisses record n hits/misses for
// sizeClass at once — used when a caller already holds a cumulative
// snapshot (e.g. selfencrypt.BufferPoolMetrics from one engine's
// lifetime) rather than observing each Get call individually.
func (m *Metrics) AddBufferPoolHits(sizeClass string, n int64) {
	if n <= 0 {
		return
	}
	m.bufferPoolHits.WithLabelValues(sizeClass).Add(float64(n))
}

func (m *Metrics) AddBufferPoolMisses(sizeClass string, n int64) {
	if n <= 0 {
		return
	}
	m.bufferPoolMisses.WithLabelValues(sizeClass).Add(float64(n))
}

// RecordPanic records a panic recovered by xmiddleware.RecoveryMiddleware,
// labeled by the request path that triggered it (sanitized the same way
// as RecordHTTPRequest, so a panic decrypting /{bucket}/{key} doesn't blow
// up label cardinality per distinct key).
func (m *Metrics) RecordPanic(path string) {
	m.httpPanicsTotal.WithLabelValues(sanitizePathLabel(path)).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() { m.activeConnections.Inc() }

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() { m.activeConnections.Dec() }

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the default registry's metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from context and returns prometheus Labels for an exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
