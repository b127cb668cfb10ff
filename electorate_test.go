package electorate

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlab/electorate/pkg/config"
)

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Cluster.Nodes = 3
	cfg.Cluster.ElectionTimeoutMinMs = 150
	cfg.Cluster.ElectionTimeoutMaxMs = 300
	cfg.Cluster.HeartBeatIntervalMs = 30
	cfg.Cluster.CheckIntervalMs = 20
	cfg.Cluster.CallTimeoutMs = 100
	cfg.Cluster.DetectionDelayMs = 20
	cfg.Registry.CheckIntervalMs = 20
	cfg.Registry.SweepIntervalMs = 50
	return cfg
}

func TestSystem_EndToEnd(t *testing.T) {
	system, err := New(fastConfig(), slog.Default())
	require.NoError(t, err)
	defer system.Close()

	system.Start()

	require.Eventually(t, func() bool {
		_, ok := system.Leader()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	stats := system.Cluster().Statistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Alive)
}

func TestSystem_DefaultsForNilArguments(t *testing.T) {
	system, err := New(nil, nil)
	require.NoError(t, err)
	defer system.Close()

	assert.Len(t, system.Cluster().Nodes(), 5)
	assert.Equal(t, "raft", system.Cluster().Strategy().Name())
}

func TestSystem_RejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cluster.Algorithm = "paxos"
	_, err := New(cfg, slog.Default())
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Registry.Balancer = "sticky"
	_, err = New(cfg, slog.Default())
	assert.Error(t, err)
}

func TestSystem_MetricsEndpoint(t *testing.T) {
	system, err := New(fastConfig(), slog.Default())
	require.NoError(t, err)
	defer system.Close()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	system.MetricsHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "electorate_cluster_alive_nodes")
}

func TestCreateCluster(t *testing.T) {
	c, err := CreateCluster(3, "bully", nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "bully", c.Strategy().Name())
	assert.Len(t, c.Nodes(), 3)

	_, err = CreateCluster(3, "paxos", nil)
	assert.Error(t, err)
}
