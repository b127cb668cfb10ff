// Package metrics exposes Prometheus collectors for the coordination
// cluster and the service registry. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the application.
type Metrics struct {
	// Cluster
	ElectionsTotal      *prometheus.CounterVec
	HeartbeatsTotal     *prometheus.CounterVec
	ClusterTerm         prometheus.Gauge
	ClusterAliveNodes   prometheus.Gauge
	ClusterRole         *prometheus.GaugeVec
	ClusterHasLeader    prometheus.Gauge

	// Registry
	RegistryInstances        *prometheus.GaugeVec
	DiscoverTotal            *prometheus.CounterVec
	HealthCheckFailuresTotal prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		ElectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "electorate_elections_total",
				Help: "Election attempts by algorithm and outcome",
			},
			[]string{"algorithm", "outcome"},
		),
		HeartbeatsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "electorate_heartbeat_broadcasts_total",
				Help: "Leader heartbeat broadcast rounds by algorithm",
			},
			[]string{"algorithm"},
		),
		ClusterTerm: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "electorate_cluster_term",
				Help: "Highest term observed across the cluster",
			},
		),
		ClusterAliveNodes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "electorate_cluster_alive_nodes",
				Help: "Number of alive nodes",
			},
		),
		ClusterRole: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "electorate_cluster_role",
				Help: "Role per node, 1 for the current role",
			},
			[]string{"node", "role"},
		),
		ClusterHasLeader: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "electorate_cluster_has_leader",
				Help: "1 while exactly one alive leader exists",
			},
		),
		RegistryInstances: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "electorate_registry_instances",
				Help: "Registered service instances by service and health state",
			},
			[]string{"service", "state"},
		),
		DiscoverTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "electorate_registry_discover_total",
				Help: "Discovery lookups by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		HealthCheckFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "electorate_registry_health_check_failures_total",
				Help: "Failed instance health checks",
			},
		),
		registry: reg,
	}
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ElectionFinished records one election attempt outcome.
func (m *Metrics) ElectionFinished(algorithm, outcome string) {
	if m == nil {
		return
	}
	m.ElectionsTotal.WithLabelValues(algorithm, outcome).Inc()
}

// HeartbeatBroadcast records one heartbeat broadcast round.
func (m *Metrics) HeartbeatBroadcast(algorithm string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(algorithm).Inc()
}

// ObserveCluster records the cluster-wide gauges.
func (m *Metrics) ObserveCluster(term uint64, alive int, hasLeader bool) {
	if m == nil {
		return
	}
	m.ClusterTerm.Set(float64(term))
	m.ClusterAliveNodes.Set(float64(alive))
	if hasLeader {
		m.ClusterHasLeader.Set(1)
	} else {
		m.ClusterHasLeader.Set(0)
	}
}

// ObserveNodeRole records the role gauge for one node.
func (m *Metrics) ObserveNodeRole(nodeID int, role string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.ClusterRole.WithLabelValues(strconv.Itoa(nodeID), role).Set(v)
}

// ObserveInstances records instance counts for one service.
func (m *Metrics) ObserveInstances(service string, healthy, unhealthy int) {
	if m == nil {
		return
	}
	m.RegistryInstances.WithLabelValues(service, "healthy").Set(float64(healthy))
	m.RegistryInstances.WithLabelValues(service, "unhealthy").Set(float64(unhealthy))
}

// Discovered records one discovery lookup outcome.
func (m *Metrics) Discovered(service, outcome string) {
	if m == nil {
		return
	}
	m.DiscoverTotal.WithLabelValues(service, outcome).Inc()
}

// HealthCheckFailed records one failed health check.
func (m *Metrics) HealthCheckFailed() {
	if m == nil {
		return
	}
	m.HealthCheckFailuresTotal.Inc()
}
