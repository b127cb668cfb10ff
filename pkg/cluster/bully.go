package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumlab/electorate/pkg/metrics"
	"github.com/quorumlab/electorate/pkg/model"
	"github.com/quorumlab/electorate/pkg/schedule"
)

// BullyStrategy elects deterministically: only the alive node with the
// highest priority may lead. An initiator that sees higher-priority alive
// peers defers to them, fire-and-forget, and waits as a candidate until the
// eventual winner's announcement demotes it. The trade is message overhead
// against guaranteed convergence to a single known winner.
type BullyStrategy struct {
	nodes []*Node
	trans model.Transport

	heartbeatInterval time.Duration
	callTimeout       time.Duration
	// proxyDelay spaces out the handoff to higher-priority peers
	proxyDelay time.Duration

	// guard serializes rounds; owned by the coordinator
	guard *electionGuard

	mu         sync.Mutex
	heartbeats map[int]*schedule.Task
	pending    []*schedule.Task

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBullyStrategy(nodes []*Node, trans model.Transport, heartbeatInterval, callTimeout, proxyDelay time.Duration, guard *electionGuard, m *metrics.Metrics, logger *slog.Logger) *BullyStrategy {
	return &BullyStrategy{
		nodes:             nodes,
		trans:             trans,
		heartbeatInterval: heartbeatInterval,
		callTimeout:       callTimeout,
		proxyDelay:        proxyDelay,
		guard:             guard,
		heartbeats:        make(map[int]*schedule.Task),
		metrics:           m,
		logger:            logger.With("component", "bully strategy"),
	}
}

func (s *BullyStrategy) Name() string { return "bully" }

// StartElection begins a bully round on the initiator. While a round is in
// flight further external triggers are ignored; the round ends when the
// winning node announces itself, or expires if every deferral target died.
func (s *BullyStrategy) StartElection(ctx context.Context, initiator *Node) error {
	if !initiator.Alive() {
		return ErrNodeDown
	}
	if !s.guard.tryBegin() {
		s.logger.Debug("election already in progress", "node", initiator.ID())
		return ErrElectionInProgress
	}
	s.elect(ctx, initiator)
	return nil
}

func (s *BullyStrategy) elect(ctx context.Context, initiator *Node) {
	if !initiator.Alive() {
		return
	}
	if initiator.Role() == model.RoleLeader {
		// handed an election while already leading, just re-announce
		s.announce(ctx, initiator)
		s.guard.end()
		return
	}

	if !initiator.TryBecomeCandidate() {
		// killed or promoted while the handoff was in flight
		return
	}
	s.logger.Info("bully election", "node", initiator.ID(), "priority", initiator.Priority(), "term", initiator.Term())

	var higher []*Node
	for _, peer := range s.nodes {
		if peer.Alive() && peer.Priority() > initiator.Priority() {
			higher = append(higher, peer)
		}
	}

	if len(higher) == 0 {
		if !initiator.TryBecomeLeader(initiator.Term()) {
			// a concurrent handoff won first
			s.guard.end()
			s.metrics.ElectionFinished(s.Name(), "lost")
			return
		}
		s.announce(ctx, initiator)
		s.startHeartbeats(initiator)
		s.guard.end()
		s.metrics.ElectionFinished(s.Name(), "won")
		s.logger.Info("bully winner", "node", initiator.ID(), "term", initiator.Term())
		return
	}

	// Defer to every higher-priority alive peer and abandon this round.
	// The initiator stays a candidate until the winner's announcement
	// demotes it; convergence comes from the recursion, not from waiting.
	s.metrics.ElectionFinished(s.Name(), "deferred")
	s.prunePending()
	for _, peer := range higher {
		peer := peer
		task := schedule.After(s.proxyDelay, func() {
			if !peer.Alive() {
				return
			}
			s.elect(context.Background(), peer)
		})
		s.mu.Lock()
		s.pending = append(s.pending, task)
		s.mu.Unlock()
	}
}

// prunePending drops handoff tasks that already fired or were cancelled.
func (s *BullyStrategy) prunePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, task := range s.pending {
		if !task.Stopped() {
			kept = append(kept, task)
		}
	}
	s.pending = kept
}

// announce broadcasts the coordinator message to every alive peer.
func (s *BullyStrategy) announce(ctx context.Context, leader *Node) {
	leaderID := leader.ID()
	term := leader.Term()

	g := errgroup.Group{}
	for _, peer := range s.nodes {
		if peer.ID() == leaderID || !peer.Alive() {
			continue
		}

		peerID := peer.ID()
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			resp := &model.Response{}
			err := s.trans.Send(callCtx, peerID, &model.Request{
				CommandCode: model.Announce,
				Command:     &model.AnnounceRequest{LeaderID: leaderID, Term: term},
			}, resp)
			if err != nil {
				// the heartbeat broadcast will catch this peer up
				s.logger.Debug("announcement not delivered", "peer", peerID, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StopHeartbeat cancels the heartbeat broadcast owned by the given node.
func (s *BullyStrategy) StopHeartbeat(nodeID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.heartbeats[nodeID]; ok {
		task.Stop()
		delete(s.heartbeats, nodeID)
	}
}

// Shutdown cancels every heartbeat broadcast and pending deferred election.
func (s *BullyStrategy) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.heartbeats {
		task.Stop()
		delete(s.heartbeats, id)
	}
	for _, task := range s.pending {
		task.Stop()
	}
	s.pending = nil
}

func (s *BullyStrategy) startHeartbeats(leader *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.heartbeats[leader.ID()]; ok {
		task.Stop()
	}
	// Liveness is re-announced rather than heartbeat, announcements are
	// priority-ordered, not term-ordered, so followers that burned terms
	// while waiting for a winner still accept them.
	s.heartbeats[leader.ID()] = schedule.Repeat(s.heartbeatInterval, func() {
		if !leader.Alive() || leader.Role() != model.RoleLeader {
			s.StopHeartbeat(leader.ID())
			return
		}
		s.announce(context.Background(), leader)
		s.metrics.HeartbeatBroadcast(s.Name())
	})
}
