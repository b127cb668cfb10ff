package cluster

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlab/electorate/pkg/common"
	"github.com/quorumlab/electorate/pkg/model"
)

func testNode(t *testing.T, id int) *Node {
	t.Helper()
	return NewNode(id, id, time.Second, slog.Default())
}

func TestNode_ReceiveHeartbeat(t *testing.T) {
	type setup func(n *Node)
	tests := []struct {
		name     string
		setup    setup
		leaderID int
		term     uint64
		want     bool
		wantRole model.NodeRole
		wantTerm uint64
	}{
		{
			name:     "normal_heartbeat",
			setup:    func(n *Node) { n.setTerm(1) },
			leaderID: 2,
			term:     2,
			want:     true,
			wantRole: model.RoleFollower,
			wantTerm: 2,
		},
		{
			name:     "equal_term_heartbeat",
			setup:    func(n *Node) { n.setTerm(3) },
			leaderID: 2,
			term:     3,
			want:     true,
			wantRole: model.RoleFollower,
			wantTerm: 3,
		},
		{
			name:     "expired_heartbeat",
			setup:    func(n *Node) { n.setTerm(5) },
			leaderID: 2,
			term:     4,
			want:     false,
			wantRole: model.RoleFollower,
			wantTerm: 5,
		},
		{
			name: "demotes_candidate",
			setup: func(n *Node) {
				n.BecomeCandidate()
			},
			leaderID: 2,
			term:     7,
			want:     true,
			wantRole: model.RoleFollower,
			wantTerm: 7,
		},
		{
			name: "demotes_leader_on_newer_term",
			setup: func(n *Node) {
				n.BecomeCandidate()
				n.BecomeLeader()
			},
			leaderID: 2,
			term:     9,
			want:     true,
			wantRole: model.RoleFollower,
			wantTerm: 9,
		},
		{
			name:     "dead_node_rejects",
			setup:    func(n *Node) { n.Kill() },
			leaderID: 2,
			term:     9,
			want:     false,
			wantRole: model.RoleDead,
			wantTerm: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNode(t, 0)
			tt.setup(n)

			got := n.ReceiveHeartbeat(tt.leaderID, tt.term)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantRole, n.Role())
			assert.Equal(t, tt.wantTerm, n.Term())
			if tt.want {
				leader, ok := n.Leader()
				require.True(t, ok)
				assert.Equal(t, tt.leaderID, leader)
			}
		})
	}
}

func TestNode_RequestVote(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(n *Node)
		candidateID int
		term        uint64
		wantGranted bool
		wantMessage string
	}{
		{
			name:        "grants_first_vote",
			setup:       func(n *Node) { n.setTerm(1) },
			candidateID: 2,
			term:        2,
			wantGranted: true,
			wantMessage: common.VoteOk.String(),
		},
		{
			name:        "rejects_stale_term",
			setup:       func(n *Node) { n.setTerm(5) },
			candidateID: 2,
			term:        4,
			wantGranted: false,
			wantMessage: common.VoteTermExpired.String(),
		},
		{
			name: "rejects_second_candidate_same_term",
			setup: func(n *Node) {
				n.setTerm(3)
				n.vote(3, 1)
			},
			candidateID: 2,
			term:        3,
			wantGranted: false,
			wantMessage: common.VoteAlreadyCast.String(),
		},
		{
			name: "regrant_same_candidate_is_idempotent",
			setup: func(n *Node) {
				n.setTerm(3)
				n.vote(3, 2)
			},
			candidateID: 2,
			term:        3,
			wantGranted: true,
			wantMessage: common.VoteOk.String(),
		},
		{
			name: "newer_term_clears_old_vote",
			setup: func(n *Node) {
				n.setTerm(3)
				n.vote(3, 1)
			},
			candidateID: 2,
			term:        4,
			wantGranted: true,
			wantMessage: common.VoteOk.String(),
		},
		{
			name:        "dead_node_rejects",
			setup:       func(n *Node) { n.Kill() },
			candidateID: 2,
			term:        4,
			wantGranted: false,
			wantMessage: common.VoteNodeDown.String(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNode(t, 0)
			tt.setup(n)

			outcome := n.RequestVote(tt.candidateID, tt.term)
			assert.Equal(t, tt.wantGranted, outcome.Granted)
			assert.Equal(t, tt.wantMessage, outcome.Message)
		})
	}
}

func TestNode_RequestVoteDemotesStaleLeader(t *testing.T) {
	n := testNode(t, 0)
	n.BecomeCandidate()
	n.BecomeLeader()
	require.Equal(t, model.RoleLeader, n.Role())

	outcome := n.RequestVote(3, n.Term()+1)
	assert.True(t, outcome.Granted)
	assert.Equal(t, model.RoleFollower, n.Role())
}

func TestNode_CandidacyLifecycle(t *testing.T) {
	n := testNode(t, 1)
	require.Equal(t, model.RoleFollower, n.Role())

	n.BecomeCandidate()
	assert.Equal(t, model.RoleCandidate, n.Role())
	assert.Equal(t, uint64(1), n.Term())
	assert.Equal(t, 1, n.VotesReceived())
	info := n.Info()
	assert.Equal(t, 1, info.VotedFor, "candidate votes for itself")

	// repeated candidacy from candidate state
	n.BecomeCandidate()
	assert.Equal(t, model.RoleCandidate, n.Role())
	assert.Equal(t, uint64(2), n.Term())
	assert.Equal(t, 1, n.VotesReceived())

	n.BecomeLeader()
	assert.Equal(t, model.RoleLeader, n.Role())
	leader, ok := n.Leader()
	require.True(t, ok)
	assert.Equal(t, 1, leader)
}

func TestNode_BecomeLeaderFromFollowerPanics(t *testing.T) {
	n := testNode(t, 0)
	assert.Panics(t, func() {
		n.BecomeLeader()
	})
}

func TestNode_GuardedTransitions(t *testing.T) {
	n := testNode(t, 0)

	// a leader transition needs an active candidacy at the same term
	assert.False(t, n.TryBecomeLeader(n.Term()))

	require.True(t, n.TryBecomeCandidate())
	term := n.Term()

	// a newer-term vote request demotes the candidacy; grants collected for
	// the old term must not crown a leader
	n.RequestVote(99, term+1)
	assert.Equal(t, model.RoleFollower, n.Role())
	assert.False(t, n.TryBecomeLeader(term))

	require.True(t, n.TryBecomeCandidate())
	assert.True(t, n.TryBecomeLeader(n.Term()))
	assert.Equal(t, model.RoleLeader, n.Role())

	// leaders renew through candidacy, not by re-promotion
	assert.False(t, n.TryBecomeCandidate())

	n.Kill()
	assert.False(t, n.TryBecomeCandidate())
	assert.False(t, n.TryBecomeLeader(n.Term()))
}

func TestNode_BecomeFollowerStaleTermPanics(t *testing.T) {
	n := testNode(t, 0)
	n.setTerm(5)
	assert.Panics(t, func() {
		n.BecomeFollower(1, 4)
	})
}

func TestNode_StepDown(t *testing.T) {
	n := testNode(t, 0)
	n.BecomeCandidate()
	term := n.Term()

	assert.True(t, n.StepDown(term+3))
	assert.Equal(t, model.RoleFollower, n.Role())
	assert.Equal(t, term+3, n.Term())
	_, ok := n.Leader()
	assert.False(t, ok)

	// stale term and follower state are both no-ops
	assert.False(t, n.StepDown(term))
	assert.False(t, n.StepDown(term+4))
	assert.Equal(t, term+4, n.Term(), "follower still adopts the newer term")
}

func TestNode_KillRevive(t *testing.T) {
	n := testNode(t, 0)
	n.BecomeCandidate()
	n.BecomeLeader()

	n.Kill()
	assert.Equal(t, model.RoleDead, n.Role())
	assert.False(t, n.Alive())
	// idempotent
	n.Kill()
	assert.Equal(t, model.RoleDead, n.Role())

	n.Revive()
	assert.Equal(t, model.RoleFollower, n.Role())
	assert.True(t, n.Alive())
	assert.Equal(t, uint64(0), n.Term(), "revive resets to initial state")
	_, ok := n.Leader()
	assert.False(t, ok)
	// idempotent
	n.Revive()
	assert.Equal(t, model.RoleFollower, n.Role())
}

func TestNode_Suspects(t *testing.T) {
	n := NewNode(0, 0, 50*time.Millisecond, slog.Default())
	now := time.Now()

	assert.False(t, n.Suspects(now), "fresh node does not suspect")
	assert.True(t, n.Suspects(now.Add(100*time.Millisecond)))

	// accepted heartbeat re-arms the window
	require.True(t, n.ReceiveHeartbeat(1, 1))
	assert.False(t, n.Suspects(time.Now()))

	// only alive followers suspect
	n.BecomeCandidate()
	assert.False(t, n.Suspects(time.Now().Add(time.Hour)))
	n.Kill()
	assert.False(t, n.Suspects(time.Now().Add(time.Hour)))
}

func TestNode_FollowAnnouncement(t *testing.T) {
	n := testNode(t, 0)
	// burn a few candidacies so the local term is ahead of the announcer
	n.BecomeCandidate()
	n.BecomeCandidate()
	n.BecomeCandidate()
	require.Equal(t, uint64(3), n.Term())

	assert.True(t, n.FollowAnnouncement(4, 1))
	assert.Equal(t, model.RoleFollower, n.Role())
	assert.Equal(t, uint64(3), n.Term(), "keeps the greater term")
	leader, ok := n.Leader()
	require.True(t, ok)
	assert.Equal(t, 4, leader)

	assert.True(t, n.FollowAnnouncement(4, 9))
	assert.Equal(t, uint64(9), n.Term(), "adopts the announcer's greater term")

	n.Kill()
	assert.False(t, n.FollowAnnouncement(4, 10))
}

func TestVisualizeFSM(t *testing.T) {
	visual := VisualizeFSM()
	assert.Contains(t, visual, model.RoleFollower.String())
	assert.Contains(t, visual, model.RoleLeader.String())
	assert.Contains(t, visual, model.EventElectionTimeout.String())
}
