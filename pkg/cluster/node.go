package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/quorumlab/electorate/pkg/common"
	"github.com/quorumlab/electorate/pkg/model"
)

// NewNode creates a node in the initial follower state.
func NewNode(id, priority int, electionTimeout time.Duration, logger *slog.Logger) *Node {
	n := &Node{
		termVote:        &termVote{votedFor: model.NoLeader},
		id:              id,
		priority:        priority,
		leaderID:        model.NoLeader,
		lastHeartbeat:   time.Now(),
		electionTimeout: electionTimeout,
		alive:           true,
		logger:          logger.With("component", "node", "node", id),
	}
	n.initializeFsm()
	return n
}

// Node is one member of the simulated cluster.
//
// All mutable fields are guarded by mu; term updates and the associated role
// transition are applied under the same critical section, so no observer can
// see an advanced term paired with a stale role. Role changes go through the
// FSM only, never by direct assignment.
type Node struct {
	// termVote holds the current term and vote state
	*termVote

	mu sync.Mutex

	id       int
	priority int
	// fsm is the finite state machine holding the node role
	fsm *fsm.FSM

	// votesReceived is meaningful only while the node is a candidate
	votesReceived int
	// leaderID is the node believed to be leader, a belief cache
	leaderID int
	// lastHeartbeat is refreshed by accepted heartbeats and granted votes
	lastHeartbeat time.Time
	// electionTimeout is this node's jittered suspicion window
	electionTimeout time.Duration
	alive           bool

	logger *slog.Logger
}

func (n *Node) ID() int       { return n.id }
func (n *Node) Priority() int { return n.priority }

// Role returns the current node role.
func (n *Node) Role() model.NodeRole {
	return model.NodeRole(n.fsm.Current())
}

// Alive reports whether the node accepts and sends messages.
func (n *Node) Alive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// VotesReceived returns the number of votes collected in the current candidacy.
func (n *Node) VotesReceived() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.votesReceived
}

// Leader returns the id of the believed leader, if any.
func (n *Node) Leader() (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == model.NoLeader {
		return model.NoLeader, false
	}
	return n.leaderID, true
}

// Suspects reports whether this node should suspect leader failure at the
// given instant: an alive follower whose suspicion window has elapsed.
func (n *Node) Suspects(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive || n.Role() != model.RoleFollower {
		return false
	}
	return now.Sub(n.lastHeartbeat) > n.electionTimeout
}

// Info returns a consistent snapshot of the node.
func (n *Node) Info() model.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	votedFor := model.NoLeader
	if n.voted {
		votedFor = n.votedFor
	}
	return model.NodeInfo{
		ID:            n.id,
		Priority:      n.priority,
		Role:          n.Role(),
		Term:          n.term,
		VotedFor:      votedFor,
		VotesReceived: n.votesReceived,
		LeaderID:      n.leaderID,
		LastHeartbeat: n.lastHeartbeat,
		Timeout:       n.electionTimeout,
		Alive:         n.alive,
	}
}

// BecomeFollower moves the node to the follower state, adopting the given
// term and leader belief. The term must not be behind the node's current
// term; callers check first, a stale call is a broken state machine.
func (n *Node) BecomeFollower(leaderID int, term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term < n.term {
		panic(fmt.Sprintf("unrecoverable error: follower transition with stale term %d < %d", term, n.term))
	}

	n.applyEvent(model.EventNewLeader)
	n.setTerm(term)
	n.votesReceived = 0
	n.leaderID = leaderID
	n.lastHeartbeat = time.Now()
	n.logger.Debug("become follower", "leader", leaderID, "term", n.term)
}

// BecomeCandidate starts a new candidacy: the term advances, the node votes
// for itself and forgets the old leader. Only legal from the follower or
// candidate role; calling it from anywhere else is a broken state machine.
func (n *Node) BecomeCandidate() {
	if !n.TryBecomeCandidate() {
		panic("unrecoverable error: candidacy from an illegal state")
	}
}

// TryBecomeCandidate starts a new candidacy if the node is still an alive
// follower or candidate. A kill or a promotion that raced the caller makes
// it a no-op returning false.
func (n *Node) TryBecomeCandidate() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return false
	}
	if role := n.Role(); role != model.RoleFollower && role != model.RoleCandidate {
		return false
	}

	n.applyEvent(model.EventElectionTimeout)
	n.incrementByOne()
	n.vote(n.term, n.id)
	n.votesReceived = 1
	n.leaderID = model.NoLeader
	// a running candidacy re-arms the suspicion window
	n.lastHeartbeat = time.Now()
	n.logger.Info("become candidate", "term", n.term)
	return true
}

// BecomeLeader moves the node to the leader state. Only legal from the
// candidate role.
func (n *Node) BecomeLeader() {
	if !n.TryBecomeLeader(n.Term()) {
		panic("unrecoverable error: leader transition outside a candidacy")
	}
}

// TryBecomeLeader promotes the node if it is still the candidate of the
// given term. A kill, a demotion or a term advance that raced the vote tally
// makes it a no-op returning false, so grants collected for a superseded
// candidacy can never crown a leader.
func (n *Node) TryBecomeLeader(term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive || n.term != term || n.Role() != model.RoleCandidate {
		return false
	}

	n.applyEvent(model.EventMajorityVotes)
	n.leaderID = n.id
	n.logger.Info("become leader", "term", n.term)
	return true
}

// ReceiveHeartbeat applies a leader heartbeat. Heartbeats carrying a term
// behind this node are rejected; accepted heartbeats adopt the term, demote
// the node to a follower of the sender if necessary and refresh the
// suspicion window. Replays are idempotent.
func (n *Node) ReceiveHeartbeat(leaderID int, term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return false
	}
	if term < n.term {
		n.logger.Debug("reject heartbeat, stale term", "from", leaderID, "term", term, "current term", n.term)
		return false
	}

	n.setTerm(term)
	if n.Role() != model.RoleFollower || n.leaderID != leaderID {
		n.applyEvent(model.EventNewLeader)
		n.votesReceived = 0
	}
	n.leaderID = leaderID
	n.lastHeartbeat = time.Now()
	return true
}

// RequestVote applies a vote request. A node grants at most one vote per
// term; re-granting to the same candidate is idempotent. Requests carrying a
// newer term advance this node's term (clearing its vote) and demote a
// leader or candidate. Granting refreshes the suspicion window so a pending
// election is not disturbed by a spurious timeout.
func (n *Node) RequestVote(candidateID int, term uint64) model.VoteOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return model.VoteOutcome{Granted: false, Term: n.term, Message: common.VoteNodeDown.String()}
	}
	if term < n.term {
		n.logger.Debug("reject vote, stale term", "from", candidateID, "term", term, "current term", n.term)
		return model.VoteOutcome{Granted: false, Term: n.term, Message: common.VoteTermExpired.String()}
	}

	if term > n.term {
		n.setTerm(term)
		if role := n.Role(); role == model.RoleLeader || role == model.RoleCandidate {
			n.applyEvent(model.EventNewLeader)
			n.votesReceived = 0
			n.leaderID = model.NoLeader
		}
	}

	if n.voted && n.votedFor != candidateID {
		return model.VoteOutcome{Granted: false, Term: n.term, Message: common.VoteAlreadyCast.String()}
	}

	n.vote(n.term, candidateID)
	n.lastHeartbeat = time.Now()
	n.logger.Info("vote for", "node", candidateID, "term", n.term)
	return model.VoteOutcome{Granted: true, Term: n.term, Message: common.VoteOk.String()}
}

// FollowAnnouncement applies a bully coordinator announcement. Unlike raft
// heartbeats, announcements are not term-ordered: the highest-priority alive
// node wins regardless of how many candidacies the initiator burned while
// waiting, so the recipient adopts the greater of the two terms and follows.
func (n *Node) FollowAnnouncement(leaderID int, term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return false
	}

	if term > n.term {
		n.setTerm(term)
	}
	if n.Role() != model.RoleFollower || n.leaderID != leaderID {
		n.applyEvent(model.EventNewLeader)
		n.votesReceived = 0
	}
	n.leaderID = leaderID
	n.lastHeartbeat = time.Now()
	return true
}

// StepDown demotes a leader or candidate to follower with no known leader,
// adopting the given term. Unlike BecomeFollower it tolerates racing state:
// a stale term or an already-demoted node makes it a no-op returning false.
func (n *Node) StepDown(term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive || term < n.term {
		return false
	}
	role := n.Role()
	if role != model.RoleLeader && role != model.RoleCandidate {
		// already a follower, just adopt the newer term
		n.setTerm(term)
		return false
	}

	n.applyEvent(model.EventNewLeader)
	n.setTerm(term)
	n.votesReceived = 0
	n.leaderID = model.NoLeader
	n.lastHeartbeat = time.Now()
	n.logger.Info("step down", "term", n.term)
	return true
}

// RecordVote counts one affirmative vote for the current candidacy.
// Deduplication of voters is the election strategy's job.
func (n *Node) RecordVote() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.votesReceived++
	return n.votesReceived
}

// Kill forces the node into the dead state. Idempotent.
func (n *Node) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return
	}

	n.applyEvent(model.EventDown)
	n.alive = false
	n.votesReceived = 0
	n.logger.Info("node killed")
}

// Revive resets the node to the initial follower state. Idempotent.
func (n *Node) Revive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.alive {
		return
	}

	n.applyEvent(model.EventRevive)
	n.reset()
	n.alive = true
	n.votesReceived = 0
	n.leaderID = model.NoLeader
	n.lastHeartbeat = time.Now()
	n.logger.Info("node revived")
}

// ResetTimeout installs a freshly jittered suspicion window.
func (n *Node) ResetTimeout(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.electionTimeout = d
}

func (n *Node) applyEvent(ev model.NodeEvent) {
	err := n.fsm.Event(context.Background(), ev.String())
	if err == nil {
		return
	}
	noTransition := fsm.NoTransitionError{}
	if errors.As(err, &noTransition) {
		// already in the destination role
		return
	}
	n.logger.Error("illegal role transition", "role", n.fsm.Current(), "event", ev.String(), "error", err.Error())
	// faulty state migration is unacceptable
	panic("unrecoverable error: illegal role transition")
}

// initializeFsm initializes the role state machine of a cluster node
func (n *Node) initializeFsm() {
	n.fsm = fsm.NewFSM(
		model.RoleFollower.String(),
		fsm.Events{
			{
				Name: model.EventElectionTimeout.String(),
				Src:  []string{model.RoleFollower.String(), model.RoleCandidate.String()},
				Dst:  model.RoleCandidate.String(),
			},
			{
				Name: model.EventMajorityVotes.String(),
				Src:  []string{model.RoleCandidate.String()},
				Dst:  model.RoleLeader.String(),
			},
			{
				Name: model.EventNewLeader.String(),
				Src: []string{
					model.RoleFollower.String(),
					model.RoleCandidate.String(),
					model.RoleLeader.String(),
				},
				Dst: model.RoleFollower.String(),
			},
			{
				Name: model.EventDown.String(),
				Src: []string{
					model.RoleLeader.String(),
					model.RoleFollower.String(),
					model.RoleCandidate.String(),
				},
				Dst: model.RoleDead.String(),
			},
			{
				Name: model.EventRevive.String(),
				Src:  []string{model.RoleDead.String()},
				Dst:  model.RoleFollower.String(),
			},
		},
		fsm.Callbacks{},
	)
}

// VisualizeFSM returns the node role state machine in Graphviz format.
func VisualizeFSM() string {
	n := NewNode(0, 0, time.Second, slog.Default())
	return fsm.Visualize(n.fsm)
}

type termVote struct {
	term     uint64
	voted    bool
	votedFor int
}

func (t *termVote) setTerm(term uint64) bool {
	if term < t.term {
		return false
	} else if term == t.term {
		return true
	}
	t.term = term
	t.voted = false
	t.votedFor = model.NoLeader
	return true
}

func (t *termVote) vote(term uint64, node int) bool {
	if term != t.term {
		return false
	}
	t.voted = true
	t.votedFor = node
	return true
}

func (t *termVote) incrementByOne() {
	// when term is changed, clear voted and votedFor
	t.term += 1
	t.voted = false
	t.votedFor = model.NoLeader
}

func (t *termVote) reset() {
	t.term = 0
	t.voted = false
	t.votedFor = model.NoLeader
}
