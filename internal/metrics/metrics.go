// Package metrics exposes the prometheus collectors a running node
// publishes on its local debug endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector one node instance exports. Construct with
// NewRegistry so all metrics share one prometheus.Registerer.
// DiscoveryAttempts is registered, but no component increments it: the
// Client Engine is not handed this Registry, so the counter stays at 0.
type Registry struct {
	HandlersInFlight prometheus.Gauge
	CleanupTracked   prometheus.Gauge
	DiscoveryAttempts prometheus.Counter
	BundlesByType    *prometheus.CounterVec
}

// NewRegistry registers and returns the node's metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		HandlersInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtnrpc",
			Subsystem: "server",
			Name:      "handlers_in_flight",
			Help:      "Number of Step Handlers currently executing.",
		}),
		CleanupTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtnrpc",
			Subsystem: "cleanup",
			Name:      "tracked_chains",
			Help:      "Number of inbound CALL chains currently tracked for cleanup.",
		}),
		DiscoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dtnrpc",
			Subsystem: "client",
			Name:      "discovery_attempts_total",
			Help:      "Total number of server-discovery polling attempts made by the client engine.",
		}),
		BundlesByType: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtnrpc",
			Subsystem: "bundle",
			Name:      "processed_total",
			Help:      "Total number of RPC bundles processed, by manifest type.",
		}, []string{"type"}),
	}
}
