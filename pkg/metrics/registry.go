// Package metrics exposes the node's Prometheus metrics: a package-level
// registry guarded by an enabled flag, so components can call the
// NodeMetrics Set*/Inc* methods unconditionally and pay zero overhead when
// metrics are off.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu      sync.RWMutex
	reg     *prometheus.Registry
	enabled bool
)

// InitRegistry creates the process-wide Prometheus registry and marks
// metrics as enabled. Must be called before any NewXMetrics constructor if
// metrics collection is wanted; otherwise those constructors return nil and
// every Set*/Inc* call becomes a no-op nil check.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	reg = prometheus.NewRegistry()
	enabled = true
	return reg
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return reg
}

// Handler returns the HTTP handler serving /metrics, or nil when metrics
// are disabled.
func Handler() http.Handler {
	r := GetRegistry()
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}
