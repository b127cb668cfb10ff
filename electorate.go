// Package electorate simulates leader election over a cluster of in-process
// nodes and provides a service registry with health checking and load
// balancing on top of the same machinery.
package electorate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumlab/electorate/pkg/cluster"
	"github.com/quorumlab/electorate/pkg/config"
	"github.com/quorumlab/electorate/pkg/metrics"
	"github.com/quorumlab/electorate/pkg/model"
	"github.com/quorumlab/electorate/pkg/registry"
)

// New builds a System from configuration. A nil cfg uses defaults, a nil
// logger uses slog.Default.
func New(cfg *config.Config, logger *slog.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()

	coord, err := cluster.NewCoordinator(cluster.Options{
		NodeCount:          cfg.Cluster.Nodes,
		Algorithm:          cluster.Algorithm(cfg.Cluster.Algorithm),
		ElectionTimeoutMin: time.Duration(cfg.Cluster.ElectionTimeoutMinMs) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.Cluster.ElectionTimeoutMaxMs) * time.Millisecond,
		HeartbeatInterval:  time.Duration(cfg.Cluster.HeartBeatIntervalMs) * time.Millisecond,
		CheckInterval:      time.Duration(cfg.Cluster.CheckIntervalMs) * time.Millisecond,
		CallTimeout:        time.Duration(cfg.Cluster.CallTimeoutMs) * time.Millisecond,
		DetectionDelay:     time.Duration(cfg.Cluster.DetectionDelayMs) * time.Millisecond,
		MaxElectionRounds:  cfg.Cluster.MaxElectionRounds,
		DropRate:           cfg.Cluster.DropRate,
		MaxDelay:           time.Duration(cfg.Cluster.MaxDelayMs) * time.Millisecond,
	}, m, logger)
	if err != nil {
		return nil, err
	}

	balancer, err := registry.NewBalancer(cfg.Registry.Balancer)
	if err != nil {
		coord.Close()
		return nil, err
	}
	reg, err := registry.New(registry.Options{
		CheckInterval:    time.Duration(cfg.Registry.CheckIntervalMs) * time.Millisecond,
		FailureThreshold: cfg.Registry.FailureThreshold,
		HeartbeatTimeout: time.Duration(cfg.Registry.HeartbeatTimeoutMs) * time.Millisecond,
		SweepInterval:    time.Duration(cfg.Registry.SweepIntervalMs) * time.Millisecond,
	}, balancer, m, logger)
	if err != nil {
		coord.Close()
		return nil, err
	}

	return &System{
		coordinator: coord,
		registry:    reg,
		metrics:     m,
		logger:      logger,
	}, nil
}

// CreateCluster builds a standalone coordinator with default timings. The
// common entry point for experiments and tests that do not need a registry.
func CreateCluster(nodeCount int, algorithm string, logger *slog.Logger) (*cluster.Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return cluster.NewCoordinator(cluster.Options{
		NodeCount: nodeCount,
		Algorithm: cluster.Algorithm(algorithm),
	}, metrics.New(), logger)
}

// System bundles the election cluster and the service registry behind one
// lifecycle.
type System struct {
	coordinator *cluster.Coordinator
	registry    *registry.Registry

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Cluster returns the election coordinator.
func (s *System) Cluster() *cluster.Coordinator { return s.coordinator }

// Registry returns the service registry.
func (s *System) Registry() *registry.Registry { return s.registry }

// MetricsHandler exposes the Prometheus registry over HTTP.
func (s *System) MetricsHandler() http.Handler { return s.metrics.Handler() }

// Start arms cluster monitoring and the registry maintenance loops.
func (s *System) Start() {
	s.coordinator.StartMonitoring()
	s.registry.Start()
	s.logger.Info("system started")
}

// Leader returns the current alive leader, if any.
func (s *System) Leader() (model.NodeInfo, bool) {
	return s.coordinator.Leader()
}

// Close stops all background loops. Safe to call more than once.
func (s *System) Close() {
	s.registry.Stop()
	s.coordinator.Close()
	s.logger.Info("system stopped")
}
