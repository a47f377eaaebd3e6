// Package metrics wraps a Prometheus registry with the connection
// pool's own metrics: connections created/reused/evicted, pool
// timeouts, and the current pooled-connection gauge per origin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"connpool/pkg/pool"
)

// Registry wraps a Prometheus registry with the pool's metrics and
// implements pool.Metrics, so it can be plugged straight into
// pool.New via pool.WithMetrics.
type Registry struct {
	registry *prometheus.Registry

	connectionsCreated *prometheus.CounterVec
	connectionsReused  *prometheus.CounterVec
	connectionsEvicted *prometheus.CounterVec
	poolTimeouts       *prometheus.CounterVec
	pooledConnections  *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with all pool metrics
// registered under it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		connectionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connpool_connections_created_total",
				Help: "Total number of new connections created by the pool",
			},
			[]string{"origin"},
		),
		connectionsReused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connpool_connections_reused_total",
				Help: "Total number of requests served by an existing pooled connection",
			},
			[]string{"origin"},
		),
		connectionsEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connpool_connections_evicted_total",
				Help: "Total number of connections removed from the pool, by reason",
			},
			[]string{"origin", "reason"},
		),
		poolTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connpool_pool_timeouts_total",
				Help: "Total number of requests that failed to acquire a pool slot in time",
			},
			[]string{"origin"},
		),
		pooledConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connpool_pooled_connections",
				Help: "Current number of connections held by the pool, per origin",
			},
			[]string{"origin"},
		),
	}

	for _, metric := range []prometheus.Collector{
		r.connectionsCreated,
		r.connectionsReused,
		r.connectionsEvicted,
		r.poolTimeouts,
		r.pooledConnections,
	} {
		r.registry.MustRegister(metric)
	}

	return r
}

// Registerer exposes the underlying prometheus.Registry, e.g. for
// wrapping in promhttp.HandlerFor.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.registry
}

func (r *Registry) ConnectionCreated(origin pool.Origin) {
	r.connectionsCreated.WithLabelValues(origin.String()).Inc()
}

func (r *Registry) ConnectionReused(origin pool.Origin) {
	r.connectionsReused.WithLabelValues(origin.String()).Inc()
}

func (r *Registry) ConnectionEvicted(origin pool.Origin, reason string) {
	r.connectionsEvicted.WithLabelValues(origin.String(), reason).Inc()
}

func (r *Registry) PoolTimeout(origin pool.Origin) {
	r.poolTimeouts.WithLabelValues(origin.String()).Inc()
}

func (r *Registry) SetPooled(origin pool.Origin, count int) {
	r.pooledConnections.WithLabelValues(origin.String()).Set(float64(count))
}
