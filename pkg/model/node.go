package model

import (
	"fmt"
	"time"
)

// NoLeader is the leader id recorded while no leader is known.
const NoLeader = -1

// NodeRole represents the role of a node in the coordination cluster.
type NodeRole string

const (
	// RoleLeader leader role
	RoleLeader NodeRole = "leader"
	// RoleFollower follower role
	RoleFollower NodeRole = "follower"
	// RoleCandidate candidate role
	RoleCandidate NodeRole = "candidate"
	// RoleDead dead role, the node neither sends nor accepts messages
	RoleDead NodeRole = "dead"
)

func (r NodeRole) String() string {
	return string(r)
}

// NodeInfo is a point-in-time snapshot of one cluster node.
type NodeInfo struct {
	ID            int           `json:"id"`
	Priority      int           `json:"priority"`
	Role          NodeRole      `json:"role"`
	Term          uint64        `json:"term"`
	VotedFor      int           `json:"voted_for"`
	VotesReceived int           `json:"votes_received"`
	LeaderID      int           `json:"leader_id"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Timeout       time.Duration `json:"timeout"`
	Alive         bool          `json:"alive"`
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("node %d [%s] term=%d leader=%d alive=%t", n.ID, n.Role, n.Term, n.LeaderID, n.Alive)
}

// ClusterStatistics summarizes the state of the whole cluster.
type ClusterStatistics struct {
	Total    int              `json:"total"`
	Alive    int              `json:"alive"`
	LeaderID int              `json:"leader_id"`
	Term     uint64           `json:"term"`
	Roles    map[NodeRole]int `json:"roles"`
}
