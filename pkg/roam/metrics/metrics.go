package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "roam"
)

// Metrics groups every collector of a single process.
// Collectors are registered on the given registerer, so many
// replicas can live on the same process when testing.
type Metrics struct {
	// Delivered counts messages delivered by the vector clock.
	Delivered prometheus.Counter

	// Evicted counts delayed messages dropped without delivery.
	Evicted prometheus.Counter

	// Delayed tracks messages waiting on the delayed buffer.
	Delayed prometheus.Gauge

	// NextIndex tracks the next delivery index of the replica.
	NextIndex prometheus.Gauge

	// IndexRequests counts index assignments by how they were decided.
	IndexRequests *prometheus.CounterVec

	// Users tracks connected users.
	Users prometheus.Gauge

	// Migrations counts migration attempts by result.
	Migrations *prometheus.CounterVec

	// State exposes the migration state as a number.
	State prometheus.Gauge

	// Registry tracks addresses known by the name server.
	Registry prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry creates the collectors on the given registerer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_messages_total",
			Help:      "Total number of messages delivered by the vector clock",
		}),
		Evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_messages_total",
			Help:      "Total number of delayed messages evicted without delivery",
		}),
		Delayed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delayed_messages",
			Help:      "Messages waiting for a predecessor",
		}),
		NextIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_index",
			Help:      "Next delivery index of the replica",
		}),
		IndexRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_requests_total",
			Help:      "Total number of delivery index assignments",
		}, []string{"mode"}), // local/sequencer/follower/remote/retry
		Users: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users",
			Help:      "Connected chat users",
		}),
		Migrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of migration attempts",
		}, []string{"result"}), // handoff/received/rollback/skipped
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_state",
			Help:      "Current migration state",
		}),
		Registry: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_addresses",
			Help:      "Addresses known by the name server",
		}),
		gatherer: gatherer,
	}
}

// Handler exposes the collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
