// Package metrics provides Prometheus metrics export for auditkit.
//
// Recorders are safe to call on a nil *Registry, so components can hold an
// optional registry without guarding every call site.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auditkit"

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init initializes the metrics system.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default metrics registry, initializing it if needed.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r == nil {
		Init()
		enabledMutex.RLock()
		r = defaultRegistry
		enabledMutex.RUnlock()
	}
	return r
}

// Registry holds all auditkit collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	recordsTotal      *prometheus.CounterVec
	writeFailures     prometheus.Counter
	bytesWritten      prometheus.Counter
	flushDuration     prometheus.Histogram
	queueDepth        prometheus.Gauge
	backpressureWaits prometheus.Counter
	rotationsTotal    *prometheus.CounterVec
	rotationDuration  prometheus.Histogram
	queriesTotal      prometheus.Counter
	linesSkipped      prometheus.Counter
	writerHealthy     prometheus.Gauge
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Audit records accepted by the writer, by operation.",
		}, []string{"operation"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Lines that failed to reach the audit file.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes appended to the audit file.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent draining the write queue.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Records buffered and not yet written.",
		}),
		backpressureWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_waits_total",
			Help:      "Times the writer waited for the target to drain.",
		}),
		rotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Rotation attempts, by result.",
		}, []string{"result"}),
		rotationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_duration_seconds",
			Help:      "Time spent rotating, compressing and pruning.",
			Buckets:   prometheus.DefBuckets,
		}),
		queriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Files scanned by the query engine.",
		}),
		linesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_lines_skipped_total",
			Help:      "Unparseable lines skipped while reading.",
		}),
		writerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writer_healthy",
			Help:      "1 while the writer error rate is within bounds.",
		}),
	}
	r.reg.MustRegister(
		r.recordsTotal,
		r.writeFailures,
		r.bytesWritten,
		r.flushDuration,
		r.queueDepth,
		r.backpressureWaits,
		r.rotationsTotal,
		r.rotationDuration,
		r.queriesTotal,
		r.linesSkipped,
		r.writerHealthy,
	)
	r.writerHealthy.Set(1)
	return r
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordEvent counts an accepted record.
func (r *Registry) RecordEvent(operation string) {
	if r == nil {
		return
	}
	r.recordsTotal.WithLabelValues(operation).Inc()
}

// RecordWrite records one line written to the target.
func (r *Registry) RecordWrite(bytes int, success bool) {
	if r == nil {
		return
	}
	if !success {
		r.writeFailures.Inc()
		return
	}
	r.bytesWritten.Add(float64(bytes))
}

// RecordFlush records a flush and the queue depth it left behind.
func (r *Registry) RecordFlush(duration time.Duration, depth int) {
	if r == nil {
		return
	}
	r.flushDuration.Observe(duration.Seconds())
	r.queueDepth.Set(float64(depth))
}

// SetQueueDepth records the current queue depth.
func (r *Registry) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// RecordBackpressure counts a wait on the target's drain signal.
func (r *Registry) RecordBackpressure() {
	if r == nil {
		return
	}
	r.backpressureWaits.Inc()
}

// RecordRotation records a rotation attempt.
func (r *Registry) RecordRotation(success bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.rotationsTotal.WithLabelValues(result).Inc()
	r.rotationDuration.Observe(duration.Seconds())
}

// RecordQuery records a scanned file and the lines skipped in it.
func (r *Registry) RecordQuery(skipped int) {
	if r == nil {
		return
	}
	r.queriesTotal.Inc()
	r.linesSkipped.Add(float64(skipped))
}

// SetHealthy records the writer health state.
func (r *Registry) SetHealthy(healthy bool) {
	if r == nil {
		return
	}
	if healthy {
		r.writerHealthy.Set(1)
		return
	}
	r.writerHealthy.Set(0)
}

// StartServer serves the default registry on addr until the listener fails.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Default().Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
