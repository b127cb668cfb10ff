package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumlab/electorate/pkg/common"
	"github.com/quorumlab/electorate/pkg/metrics"
	"github.com/quorumlab/electorate/pkg/model"
	"github.com/quorumlab/electorate/pkg/schedule"
	"github.com/quorumlab/electorate/pkg/transport/inproc"
)

// Algorithm selects the election strategy.
type Algorithm string

const (
	AlgorithmRaft  Algorithm = "raft"
	AlgorithmBully Algorithm = "bully"
)

// ErrUnknownNode is returned for operations on a node id outside the cluster.
var ErrUnknownNode = errors.New("cluster: unknown node id")

// Options configures a coordinator.
type Options struct {
	// NodeCount is the number of simulated nodes, ids 0..NodeCount-1.
	NodeCount int
	// Algorithm is the election strategy.
	Algorithm Algorithm
	// ElectionTimeoutMin and ElectionTimeoutMax bound the jittered per-node
	// suspicion window.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is the leader broadcast interval.
	HeartbeatInterval time.Duration
	// CheckInterval is the failure detector scan interval.
	CheckInterval time.Duration
	// CallTimeout bounds each simulated peer call.
	CallTimeout time.Duration
	// DetectionDelay simulates the latency between a leader kill and the
	// replacement election being scheduled.
	DetectionDelay time.Duration
	// MaxElectionRounds bounds candidacy rounds inside one raft election.
	MaxElectionRounds int
	// DropRate and MaxDelay inject transport faults.
	DropRate float64
	MaxDelay time.Duration
	// Seed seeds the transport fault randomness; zero means time-based.
	Seed int64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.NodeCount == 0 {
		out.NodeCount = 5
	}
	if out.Algorithm == "" {
		out.Algorithm = AlgorithmRaft
	}
	if out.ElectionTimeoutMin == 0 {
		out.ElectionTimeoutMin = 3000 * time.Millisecond
	}
	if out.ElectionTimeoutMax == 0 {
		out.ElectionTimeoutMax = 5000 * time.Millisecond
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 1000 * time.Millisecond
	}
	if out.CheckInterval == 0 {
		out.CheckInterval = 500 * time.Millisecond
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = 1000 * time.Millisecond
	}
	if out.DetectionDelay == 0 {
		out.DetectionDelay = 500 * time.Millisecond
	}
	if out.MaxElectionRounds == 0 {
		out.MaxElectionRounds = 3
	}
	return out
}

func (o *Options) validate() error {
	if o.NodeCount < 1 {
		return fmt.Errorf("node count must be positive, got %d", o.NodeCount)
	}
	if o.Algorithm != AlgorithmRaft && o.Algorithm != AlgorithmBully {
		return fmt.Errorf("unknown election algorithm %q", o.Algorithm)
	}
	if o.ElectionTimeoutMax < o.ElectionTimeoutMin {
		return fmt.Errorf("election timeout window inverted: %s > %s", o.ElectionTimeoutMin, o.ElectionTimeoutMax)
	}
	if o.DropRate < 0 || o.DropRate >= 1 {
		return fmt.Errorf("drop rate must be in [0,1), got %f", o.DropRate)
	}
	return nil
}

// NewCoordinator builds a cluster of nodes wired to an in-process bus and
// the selected election strategy.
func NewCoordinator(opts Options, m *metrics.Metrics, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		return nil, fmt.Errorf("new coordinator, logger is nil")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	busOpts := []inproc.Option{}
	if opts.DropRate > 0 {
		busOpts = append(busOpts, inproc.WithDropRate(opts.DropRate))
	}
	if opts.MaxDelay > 0 {
		busOpts = append(busOpts, inproc.WithMaxDelay(opts.MaxDelay))
	}
	if opts.Seed != 0 {
		busOpts = append(busOpts, inproc.WithSeed(opts.Seed))
	}
	bus := inproc.New(logger, busOpts...)

	c := &Coordinator{
		opts:    opts,
		bus:     bus,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics: m,
		logger:  logger.With("component", "coordinator"),
	}

	jitter := func() time.Duration {
		spread := opts.ElectionTimeoutMax - opts.ElectionTimeoutMin
		if spread <= 0 {
			return opts.ElectionTimeoutMin
		}
		c.rngMu.Lock()
		defer c.rngMu.Unlock()
		return opts.ElectionTimeoutMin + time.Duration(c.rng.Int63n(int64(spread)))
	}

	for id := 0; id < opts.NodeCount; id++ {
		// priority defaults to the node id
		node := NewNode(id, id, jitter(), logger)
		c.nodes = append(c.nodes, node)
		bus.Register(id, c.commandHandler(node))
	}

	switch opts.Algorithm {
	case AlgorithmBully:
		// a round that never announces expires after two max windows
		guard := newElectionGuard(2 * opts.ElectionTimeoutMax)
		c.strategy = NewBullyStrategy(c.nodes, bus, opts.HeartbeatInterval, opts.CallTimeout, opts.CheckInterval, guard, m, logger)
	case AlgorithmRaft:
		c.strategy = NewRaftStrategy(c.nodes, bus, opts.HeartbeatInterval, opts.CallTimeout, opts.MaxElectionRounds, m, logger)
	}

	c.detector = NewFailureDetector(c.nodes, c.strategy, opts.ElectionTimeoutMin, opts.ElectionTimeoutMax, logger)

	c.logger.Info("cluster created", "nodes", opts.NodeCount, "algorithm", c.strategy.Name())
	return c, nil
}

// Coordinator is the cluster lifecycle facade: it owns the nodes, the
// failure detector and the election strategy, and answers cluster-wide
// queries.
type Coordinator struct {
	opts Options

	nodes    []*Node
	bus      *inproc.Bus
	strategy ElectionStrategy
	detector *FailureDetector

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	monitor *schedule.Task
	pending []*schedule.Task
	closed  bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Strategy returns the active election strategy.
func (c *Coordinator) Strategy() ElectionStrategy { return c.strategy }

// Nodes returns the cluster nodes.
func (c *Coordinator) Nodes() []*Node { return c.nodes }

// StartMonitoring arms the failure detector scan loop.
func (c *Coordinator) StartMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor != nil || c.closed {
		return
	}
	c.monitor = schedule.Repeat(c.opts.CheckInterval, func() {
		c.detector.CheckAll(context.Background())
		c.observe()
	})
	c.logger.Info("monitoring started", "interval", c.opts.CheckInterval)
}

// StopMonitoring cancels the failure detector scan loop.
func (c *Coordinator) StopMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor == nil {
		return
	}
	c.monitor.Stop()
	c.monitor = nil
	c.logger.Info("monitoring stopped")
}

// KillNode marks the node dead and cancels its timers. If the victim was
// the leader, or any alive node believed it was, a replacement election is
// scheduled on an arbitrary survivor after the detection delay.
func (c *Coordinator) KillNode(id int) error {
	node, err := c.node(id)
	if err != nil {
		return err
	}

	wasLeader := node.Role() == model.RoleLeader
	if !wasLeader {
		for _, peer := range c.nodes {
			if leaderID, ok := peer.Leader(); ok && peer.Alive() && leaderID == id {
				wasLeader = true
				break
			}
		}
	}

	node.Kill()
	c.strategy.StopHeartbeat(id)
	c.logger.Info("killed node", "node", id, "was leader", wasLeader)

	if wasLeader {
		task := schedule.After(c.opts.DetectionDelay, func() {
			survivor := c.pickSurvivor()
			if survivor == nil {
				c.logger.Warn("no survivors to elect")
				return
			}
			if err := c.strategy.StartElection(context.Background(), survivor); err != nil {
				c.logger.Debug("replacement election failed", "node", survivor.ID(), "error", err.Error())
			}
		})
		c.mu.Lock()
		kept := c.pending[:0]
		for _, old := range c.pending {
			if !old.Stopped() {
				kept = append(kept, old)
			}
		}
		c.pending = append(kept, task)
		c.mu.Unlock()
	}
	return nil
}

// ReviveNode resets a dead node to its initial follower state with a fresh
// suspicion window.
func (c *Coordinator) ReviveNode(id int) error {
	node, err := c.node(id)
	if err != nil {
		return err
	}
	node.ResetTimeout(c.detector.RandomTimeout())
	node.Revive()
	return nil
}

// Leader returns the unique alive leader, if one exists. No leader is a
// legitimate transient state, not an error.
func (c *Coordinator) Leader() (model.NodeInfo, bool) {
	for _, n := range c.nodes {
		if n.Alive() && n.Role() == model.RoleLeader {
			return n.Info(), true
		}
	}
	return model.NodeInfo{}, false
}

// NodeInfos returns a snapshot of every node.
func (c *Coordinator) NodeInfos() []model.NodeInfo {
	infos := make([]model.NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		infos = append(infos, n.Info())
	}
	return infos
}

// Statistics summarizes the cluster.
func (c *Coordinator) Statistics() model.ClusterStatistics {
	stats := model.ClusterStatistics{
		Total:    len(c.nodes),
		LeaderID: model.NoLeader,
		Roles:    make(map[model.NodeRole]int),
	}
	for _, n := range c.nodes {
		info := n.Info()
		stats.Roles[info.Role]++
		if info.Alive {
			stats.Alive++
		}
		if info.Term > stats.Term {
			stats.Term = info.Term
		}
		if info.Alive && info.Role == model.RoleLeader {
			stats.LeaderID = info.ID
		}
	}
	return stats
}

// Close stops monitoring and every strategy-owned timer.
func (c *Coordinator) Close() {
	c.StopMonitoring()
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, task := range pending {
		task.Stop()
	}
	c.strategy.Shutdown()
	c.logger.Info("coordinator closed")
}

func (c *Coordinator) node(id int) (*Node, error) {
	if id < 0 || id >= len(c.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return c.nodes[id], nil
}

func (c *Coordinator) pickSurvivor() *Node {
	var alive []*Node
	for _, n := range c.nodes {
		if n.Alive() && n.Role() != model.RoleLeader {
			alive = append(alive, n)
		}
	}
	if len(alive) == 0 {
		return nil
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return alive[c.rng.Intn(len(alive))]
}

func (c *Coordinator) observe() {
	stats := c.Statistics()
	c.metrics.ObserveCluster(stats.Term, stats.Alive, stats.LeaderID != model.NoLeader)
	for _, info := range c.NodeInfos() {
		for _, role := range []model.NodeRole{model.RoleFollower, model.RoleCandidate, model.RoleLeader, model.RoleDead} {
			c.metrics.ObserveNodeRole(info.ID, role.String(), info.Role == role)
		}
	}
}

// commandHandler dispatches bus commands onto the node's own operations;
// nothing outside the node mutates its role or term directly.
func (c *Coordinator) commandHandler(node *Node) model.CommandHandler {
	return func(request *model.Request, response *model.Response) error {
		if !node.Alive() {
			return fmt.Errorf("node %d: %w", node.ID(), ErrNodeDown)
		}

		switch request.CommandCode {
		case model.HeartBeat:
			hb := &model.HeartBeatRequest{}
			if err := c.bus.Decode(request.Command, hb); err != nil {
				return fmt.Errorf("decode heartbeat: %w", err)
			}
			resp := &model.HeartBeatResponse{}
			if node.ReceiveHeartbeat(hb.LeaderID, hb.Term) {
				model.HBResponse(resp, true, node.Term(), common.HeartbeatOk.String())
			} else {
				model.HBResponse(resp, false, node.Term(), common.HeartbeatExpired.String())
			}
			response.CommandResponse = resp
			return nil

		case model.RequestVote:
			vr := &model.VoteRequest{}
			if err := c.bus.Decode(request.Command, vr); err != nil {
				return fmt.Errorf("decode vote request: %w", err)
			}
			outcome := node.RequestVote(vr.CandidateID, vr.Term)
			response.CommandResponse = &model.VoteResponse{
				VoterID: node.ID(),
				Granted: outcome.Granted,
				Term:    outcome.Term,
				Message: outcome.Message,
			}
			return nil

		case model.Announce:
			an := &model.AnnounceRequest{}
			if err := c.bus.Decode(request.Command, an); err != nil {
				return fmt.Errorf("decode announcement: %w", err)
			}
			response.CommandResponse = &model.AnnounceResponse{Ok: node.FollowAnnouncement(an.LeaderID, an.Term)}
			return nil
		}
		return fmt.Errorf("unknown command code %d", request.CommandCode)
	}
}
