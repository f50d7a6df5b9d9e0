package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeMetrics groups every Prometheus metric the core components update.
// A nil *NodeMetrics is valid everywhere it is accepted: every method is a
// nil-receiver no-op, so callers pass nil when metrics are disabled instead
// of branching on IsEnabled() at every call site.
type NodeMetrics struct {
	catalogBundleCount prometheus.Gauge
	catalogByteCount   prometheus.Gauge
	catalogLifetime    *prometheus.CounterVec // labels: "writes", "erases", "byte_write", "byte_erase"

	allocatorFreeSegments prometheus.Gauge
	allocatorExhausted    prometheus.Counter

	pendingAckDepth *prometheus.GaugeVec // labels: "destination", "path" (cut_through|store)

	admittedTotal  *prometheus.CounterVec // labels: "decision" (cut_through|store|drop)
	dispatchTotal  *prometheus.CounterVec // labels: "destination", "result" (ok|fail)
	custodySignals *prometheus.CounterVec // labels: "kind" (per_bundle|aggregated)

	workerOfflineTotal *prometheus.CounterVec // labels: "worker"
}

// NewNodeMetrics registers every metric against the process-wide registry.
// Returns nil if metrics are disabled (InitRegistry was never called).
func NewNodeMetrics() *NodeMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &NodeMetrics{
		catalogBundleCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dtnd_catalog_bundle_count",
			Help: "Number of bundles currently catalogued awaiting send or custody acknowledgment.",
		}),
		catalogByteCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dtnd_catalog_byte_count",
			Help: "Total encoded bytes currently catalogued.",
		}),
		catalogLifetime: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dtnd_catalog_lifetime_total",
			Help: "Lifetime catalog write/erase counters by kind.",
		}, []string{"kind"}),
		allocatorFreeSegments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dtnd_allocator_free_segments",
			Help: "Number of free segments remaining in the segment allocator.",
		}),
		allocatorExhausted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dtnd_allocator_exhausted_total",
			Help: "Number of times segment allocation failed due to exhaustion.",
		}),
		pendingAckDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtnd_pending_ack_depth",
			Help: "Current in-flight pending-ack count per destination and path.",
		}, []string{"destination", "path"}),
		admittedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dtnd_admission_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"decision"}),
		dispatchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dtnd_dispatch_total",
			Help: "Egress dispatch attempts by destination and result.",
		}, []string{"destination", "result"}),
		custodySignals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dtnd_custody_signals_total",
			Help: "Custody signals processed by kind.",
		}, []string{"kind"}),
		workerOfflineTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dtnd_worker_offline_total",
			Help: "Disk writer pool workers marked offline, by worker index.",
		}, []string{"worker"}),
	}
}

// SetCatalogStats updates the catalog's point-in-time gauges. Lifetime
// totals have their own counters, incremented via IncCatalogWrite and
// IncCatalogErase rather than diffed from cumulative counts.
func (m *NodeMetrics) SetCatalogStats(bundleCount, byteCount uint64) {
	if m == nil {
		return
	}
	m.catalogBundleCount.Set(float64(bundleCount))
	m.catalogByteCount.Set(float64(byteCount))
}

// IncCatalogWrite and IncCatalogErase record one lifetime catalog mutation.
func (m *NodeMetrics) IncCatalogWrite(bytes uint64) {
	if m == nil {
		return
	}
	m.catalogLifetime.WithLabelValues("writes").Inc()
	m.catalogLifetime.WithLabelValues("byte_write").Add(float64(bytes))
}

func (m *NodeMetrics) IncCatalogErase(bytes uint64) {
	if m == nil {
		return
	}
	m.catalogLifetime.WithLabelValues("erases").Inc()
	m.catalogLifetime.WithLabelValues("byte_erase").Add(float64(bytes))
}

// SetAllocatorFreeSegments records the allocator's current free-segment count.
func (m *NodeMetrics) SetAllocatorFreeSegments(n uint64) {
	if m == nil {
		return
	}
	m.allocatorFreeSegments.Set(float64(n))
}

// IncAllocatorExhausted records one allocation failure due to exhaustion.
func (m *NodeMetrics) IncAllocatorExhausted() {
	if m == nil {
		return
	}
	m.allocatorExhausted.Inc()
}

// SetPendingAckDepth records the current in-flight count for a
// (destination, path) pair, where path is "cut_through" or "store".
func (m *NodeMetrics) SetPendingAckDepth(destination, path string, depth int) {
	if m == nil {
		return
	}
	m.pendingAckDepth.WithLabelValues(destination, path).Set(float64(depth))
}

// IncAdmitted records one admission decision ("cut_through", "store", or "drop").
func (m *NodeMetrics) IncAdmitted(decision string) {
	if m == nil {
		return
	}
	m.admittedTotal.WithLabelValues(decision).Inc()
}

// IncDispatch records one egress dispatch attempt ("ok" or "fail").
func (m *NodeMetrics) IncDispatch(destination, result string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(destination, result).Inc()
}

// IncCustodySignal records one processed custody signal ("per_bundle" or
// "aggregated").
func (m *NodeMetrics) IncCustodySignal(kind string) {
	if m == nil {
		return
	}
	m.custodySignals.WithLabelValues(kind).Inc()
}

// IncWorkerOffline records a disk writer pool worker transitioning offline.
func (m *NodeMetrics) IncWorkerOffline(worker string) {
	if m == nil {
		return
	}
	m.workerOfflineTotal.WithLabelValues(worker).Inc()
}
