package cluster

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumlab/electorate/pkg/metrics"
	"github.com/quorumlab/electorate/pkg/model"
	"github.com/quorumlab/electorate/pkg/schedule"
)

// RaftStrategy elects by term-scoped majority voting: a candidate broadcasts
// vote requests to all alive peers and wins with floor(N/2)+1 grants, N being
// the configured cluster size.
type RaftStrategy struct {
	nodes []*Node
	trans model.Transport

	heartbeatInterval time.Duration
	callTimeout       time.Duration
	maxRounds         int

	mu         sync.Mutex
	heartbeats map[int]*schedule.Task

	rngMu sync.Mutex
	rng   *rand.Rand

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRaftStrategy(nodes []*Node, trans model.Transport, heartbeatInterval, callTimeout time.Duration, maxRounds int, m *metrics.Metrics, logger *slog.Logger) *RaftStrategy {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &RaftStrategy{
		nodes:             nodes,
		trans:             trans,
		heartbeatInterval: heartbeatInterval,
		callTimeout:       callTimeout,
		maxRounds:         maxRounds,
		heartbeats:        make(map[int]*schedule.Task),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:           m,
		logger:            logger.With("component", "raft strategy"),
	}
}

func (s *RaftStrategy) Name() string { return "raft" }

// StartElection runs candidacy rounds until the initiator wins, loses to a
// higher term, or exhausts the round budget. A lost round reverts the node
// to follower with a refreshed suspicion window, so the failure detector
// retries later.
func (s *RaftStrategy) StartElection(ctx context.Context, initiator *Node) error {
	if !initiator.Alive() {
		return ErrNodeDown
	}

	for round := 0; round < s.maxRounds; round++ {
		if round > 0 {
			// randomized delay between rounds reduces the probability of
			// colliding candidacies
			if err := s.electDelay(ctx); err != nil {
				return err
			}
			if !initiator.Alive() {
				return ErrNodeDown
			}
		}

		won, higherTerm, err := s.runRound(ctx, initiator)
		if err != nil {
			return err
		}
		if won {
			s.metrics.ElectionFinished(s.Name(), "won")
			return nil
		}
		if higherTerm > 0 {
			// lost the race to a more advanced peer
			initiator.StepDown(higherTerm)
			s.metrics.ElectionFinished(s.Name(), "lost")
			return ErrStaleTerm
		}

		initiator.StepDown(initiator.Term())
		s.metrics.ElectionFinished(s.Name(), "no_quorum")
		s.logger.Info("candidacy failed, no quorum", "node", initiator.ID(), "term", initiator.Term())
	}
	return ErrNoQuorum
}

// runRound performs one candidacy: broadcast vote requests, tally grants.
// Returns won=true on a majority, or the highest conflicting term seen.
func (s *RaftStrategy) runRound(ctx context.Context, candidate *Node) (won bool, higherTerm uint64, err error) {
	if !candidate.TryBecomeCandidate() {
		return false, 0, ErrNodeDown
	}
	term := candidate.Term()
	candidateID := candidate.ID()
	majority := len(s.nodes)/2 + 1

	s.logger.Info("start election", "node", candidateID, "term", term, "majority", majority)

	var mu sync.Mutex
	granted := map[int]bool{candidateID: true}

	g := errgroup.Group{}
	for _, peer := range s.nodes {
		if peer.ID() == candidateID || !peer.Alive() {
			continue
		}

		peerID := peer.ID()
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			resp := &model.Response{}
			sendErr := s.trans.Send(callCtx, peerID, &model.Request{
				CommandCode: model.RequestVote,
				Command:     &model.VoteRequest{CandidateID: candidateID, Term: term},
			}, resp)
			if sendErr != nil {
				// a missing response is an implicit "no vote"
				s.logger.Debug("vote request failed", "peer", peerID, "error", sendErr.Error())
				return nil
			}
			voteResp := &model.VoteResponse{}
			if decodeErr := s.trans.Decode(resp.CommandResponse, voteResp); decodeErr != nil {
				s.logger.Debug("bad vote response", "peer", peerID, "error", decodeErr.Error())
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if voteResp.Term > term && voteResp.Term > higherTerm {
				higherTerm = voteResp.Term
			}
			// the voter id guards against double-counting replayed grants
			if voteResp.Granted && !granted[voteResp.VoterID] {
				granted[voteResp.VoterID] = true
				candidate.RecordVote()
				s.logger.Info("vote granted", "peer", voteResp.VoterID, "term", term)
			}
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	votes := len(granted)
	conflict := higherTerm
	mu.Unlock()

	if conflict > term {
		return false, conflict, nil
	}
	if votes >= majority {
		if !candidate.TryBecomeLeader(term) {
			if !candidate.Alive() {
				return false, 0, ErrNodeDown
			}
			// demoted mid-tally, the grants belong to a superseded candidacy
			return false, candidate.Term(), nil
		}
		s.startHeartbeats(candidate)
		return true, 0, nil
	}
	return false, 0, nil
}

// StopHeartbeat cancels the heartbeat broadcast owned by the given node.
func (s *RaftStrategy) StopHeartbeat(nodeID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.heartbeats[nodeID]; ok {
		task.Stop()
		delete(s.heartbeats, nodeID)
	}
}

// Shutdown cancels every heartbeat broadcast.
func (s *RaftStrategy) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.heartbeats {
		task.Stop()
		delete(s.heartbeats, id)
	}
}

func (s *RaftStrategy) startHeartbeats(leader *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.heartbeats[leader.ID()]; ok {
		task.Stop()
	}
	s.heartbeats[leader.ID()] = schedule.Repeat(s.heartbeatInterval, func() {
		if !leader.Alive() || leader.Role() != model.RoleLeader {
			s.StopHeartbeat(leader.ID())
			return
		}
		s.broadcastHeartbeat(leader)
	})
}

func (s *RaftStrategy) broadcastHeartbeat(leader *Node) {
	term := leader.Term()
	leaderID := leader.ID()

	var mu sync.Mutex
	var higherTerm uint64

	g := errgroup.Group{}
	for _, peer := range s.nodes {
		if peer.ID() == leaderID || !peer.Alive() {
			continue
		}

		peerID := peer.ID()
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
			defer cancel()

			resp := &model.Response{}
			err := s.trans.Send(callCtx, peerID, &model.Request{
				CommandCode: model.HeartBeat,
				Command:     &model.HeartBeatRequest{LeaderID: leaderID, Term: term},
			}, resp)
			if err != nil {
				s.logger.Debug("heartbeat not delivered", "peer", peerID, "error", err.Error())
				return nil
			}
			hbResp := &model.HeartBeatResponse{}
			if err := s.trans.Decode(resp.CommandResponse, hbResp); err != nil {
				return nil
			}
			if !hbResp.Ok && hbResp.Term > term {
				mu.Lock()
				if hbResp.Term > higherTerm {
					higherTerm = hbResp.Term
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if higherTerm > term {
		s.logger.Info("higher term seen, leaving leader", "node", leaderID, "term", higherTerm)
		s.StopHeartbeat(leaderID)
		leader.StepDown(higherTerm)
	}
	s.metrics.HeartbeatBroadcast(s.Name())
}

func (s *RaftStrategy) electDelay(ctx context.Context) error {
	s.rngMu.Lock()
	delay := time.Duration(s.rng.Int63n(int64(s.heartbeatInterval) + 1))
	s.rngMu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
