package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNodeDown is returned when an election is requested on a dead node.
	ErrNodeDown = errors.New("cluster: node is down")
	// ErrNoQuorum is returned when a candidacy cannot reach a majority of the
	// configured cluster size. Recoverable, the failure detector retries.
	ErrNoQuorum = errors.New("cluster: no quorum available")
	// ErrStaleTerm is returned when a candidacy is abandoned because a peer
	// advertised a higher term.
	ErrStaleTerm = errors.New("cluster: lost race to a higher term")
	// ErrElectionInProgress is returned when another election round already
	// owns the cluster.
	ErrElectionInProgress = errors.New("cluster: election already in progress")
)

// ElectionStrategy decides how a candidacy propagates through the cluster
// and how a winner is determined.
type ElectionStrategy interface {
	// Name returns the algorithm name.
	Name() string
	// StartElection runs one election attempt initiated by the given node.
	StartElection(ctx context.Context, initiator *Node) error
	// StopHeartbeat cancels the heartbeat broadcast owned by the given node,
	// if any. Must be called when the node is killed.
	StopHeartbeat(nodeID int)
	// Shutdown cancels every timer owned by the strategy.
	Shutdown()
}

// electionGuard serializes bully election rounds. It is owned by the
// coordinator and passed to the strategy explicitly, so no state leaks
// across cluster instances. A round that never announces (every
// higher-priority peer died in flight) expires after ttl, keeping the
// cluster able to elect again.
type electionGuard struct {
	mu         sync.Mutex
	inProgress bool
	since      time.Time
	ttl        time.Duration
}

func newElectionGuard(ttl time.Duration) *electionGuard {
	return &electionGuard{ttl: ttl}
}

// tryBegin claims the election slot. Returns false while a live round holds it.
func (g *electionGuard) tryBegin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inProgress && time.Since(g.since) < g.ttl {
		return false
	}
	g.inProgress = true
	g.since = time.Now()
	return true
}

func (g *electionGuard) end() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inProgress = false
}
