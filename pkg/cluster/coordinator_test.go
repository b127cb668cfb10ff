package cluster

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlab/electorate/pkg/model"
)

func TestNewCoordinator_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{
			name: "negative_node_count",
			opts: Options{NodeCount: -1},
		},
		{
			name: "unknown_algorithm",
			opts: Options{Algorithm: "paxos"},
		},
		{
			name: "inverted_timeout_window",
			opts: Options{ElectionTimeoutMin: time.Second, ElectionTimeoutMax: time.Millisecond},
		},
		{
			name: "drop_rate_out_of_range",
			opts: Options{DropRate: 1.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinator(tt.opts, nil, slog.Default())
			assert.Error(t, err)
		})
	}

	_, err := NewCoordinator(Options{}, nil, nil)
	assert.Error(t, err, "nil logger is rejected")
}

func TestCoordinator_Defaults(t *testing.T) {
	c, err := NewCoordinator(Options{}, nil, slog.Default())
	require.NoError(t, err)
	defer c.Close()

	assert.Len(t, c.Nodes(), 5)
	assert.Equal(t, "raft", c.Strategy().Name())
	for _, n := range c.Nodes() {
		assert.Equal(t, model.RoleFollower, n.Role())
		assert.True(t, n.Alive())
	}
}

func TestCoordinator_UnknownNode(t *testing.T) {
	c := newTestCoordinator(t, 3, AlgorithmRaft)
	assert.ErrorIs(t, c.KillNode(7), ErrUnknownNode)
	assert.ErrorIs(t, c.ReviveNode(-1), ErrUnknownNode)
}

func TestCoordinator_Statistics(t *testing.T) {
	c := newTestCoordinator(t, 5, AlgorithmRaft)

	stats := c.Statistics()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Alive)
	assert.Equal(t, model.NoLeader, stats.LeaderID)
	assert.Equal(t, 5, stats.Roles[model.RoleFollower])

	require.NoError(t, c.Strategy().StartElection(context.Background(), c.Nodes()[1]))
	require.NoError(t, c.KillNode(3))

	stats = c.Statistics()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Alive)
	assert.Equal(t, 1, stats.LeaderID)
	assert.Equal(t, uint64(1), stats.Term)
	assert.Equal(t, 1, stats.Roles[model.RoleLeader])
	assert.Equal(t, 1, stats.Roles[model.RoleDead])
	assert.Equal(t, 3, stats.Roles[model.RoleFollower])
}

func TestCoordinator_NoLeaderWhenAllDead(t *testing.T) {
	c := newTestCoordinator(t, 3, AlgorithmRaft)
	c.StartMonitoring()

	for id := 0; id < 3; id++ {
		require.NoError(t, c.KillNode(id))
	}

	_, ok := c.Leader()
	assert.False(t, ok)
	stats := c.Statistics()
	assert.Equal(t, 0, stats.Alive)
	assert.Equal(t, model.NoLeader, stats.LeaderID)

	// reported, not fatal: revived nodes elect again
	for id := 0; id < 3; id++ {
		require.NoError(t, c.ReviveNode(id))
	}
	require.Eventually(t, func() bool {
		_, ok := c.Leader()
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_KillFollowerKeepsLeader(t *testing.T) {
	c := newTestCoordinator(t, 5, AlgorithmRaft)
	require.NoError(t, c.Strategy().StartElection(context.Background(), c.Nodes()[0]))

	require.NoError(t, c.KillNode(3))
	time.Sleep(100 * time.Millisecond)

	leader, ok := c.Leader()
	require.True(t, ok)
	assert.Equal(t, 0, leader.ID)
	assert.Equal(t, uint64(1), leader.Term, "no spurious re-election after losing a follower")
}

func TestCoordinator_NodeInfos(t *testing.T) {
	c := newTestCoordinator(t, 3, AlgorithmRaft)
	infos := c.NodeInfos()
	require.Len(t, infos, 3)
	for id, info := range infos {
		assert.Equal(t, id, info.ID)
		assert.Equal(t, model.RoleFollower, info.Role)
		assert.True(t, info.Alive)
		assert.Equal(t, model.NoLeader, info.LeaderID)
	}
}

func TestCoordinator_MonitoringLifecycle(t *testing.T) {
	c := newTestCoordinator(t, 3, AlgorithmRaft)
	c.StartMonitoring()
	// starting twice is a no-op
	c.StartMonitoring()

	require.Eventually(t, func() bool {
		_, ok := c.Leader()
		return ok
	}, 5*time.Second, 20*time.Millisecond, "monitoring alone must organically elect a leader")

	c.StopMonitoring()
	c.StopMonitoring()
}

func TestCoordinator_CloseIsIdempotentEnough(t *testing.T) {
	c, err := NewCoordinator(Options{NodeCount: 3}, nil, slog.Default())
	require.NoError(t, err)
	c.StartMonitoring()
	c.Close()
	// monitoring cannot restart after close
	c.StartMonitoring()
	c.StopMonitoring()
}

func TestCoordinator_FaultyTransportStillElects(t *testing.T) {
	c, err := NewCoordinator(Options{
		NodeCount:          5,
		Algorithm:          AlgorithmRaft,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
		CheckInterval:      20 * time.Millisecond,
		CallTimeout:        100 * time.Millisecond,
		DetectionDelay:     20 * time.Millisecond,
		DropRate:           0.2,
		MaxDelay:           5 * time.Millisecond,
		Seed:               42,
	}, nil, slog.Default())
	require.NoError(t, err)
	defer c.Close()

	c.StartMonitoring()
	require.Eventually(t, func() bool {
		_, ok := c.Leader()
		return ok
	}, 10*time.Second, 50*time.Millisecond, "elections must survive dropped and delayed calls")
}

func TestCoordinator_ReplacementTasksPruned(t *testing.T) {
	c := newTestCoordinator(t, 3, AlgorithmRaft)
	require.NoError(t, c.Strategy().StartElection(context.Background(), c.Nodes()[0]))
	// monitoring provides the organic retry path when a one-shot replacement
	// election aborts against a term-advanced peer
	c.StartMonitoring()

	// repeated leader kills must not accumulate fired replacement tasks
	for i := 0; i < 5; i++ {
		leader, ok := c.Leader()
		require.True(t, ok)
		require.NoError(t, c.KillNode(leader.ID))
		require.Eventually(t, func() bool {
			next, ok := c.Leader()
			return ok && next.ID != leader.ID
		}, 3*time.Second, 20*time.Millisecond)
		require.NoError(t, c.ReviveNode(leader.ID))
	}

	c.mu.Lock()
	backlog := len(c.pending)
	c.mu.Unlock()
	assert.LessOrEqual(t, backlog, 2)
}
