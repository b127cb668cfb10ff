package cluster

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// FailureDetector decides when a follower should suspect leader failure and
// self-promote to candidate. Each node owns one randomized suspicion window,
// re-armed by every accepted heartbeat, granted vote, or follower
// transition; scanning past deadlines is the only organic path into an
// election.
type FailureDetector struct {
	nodes    []*Node
	strategy ElectionStrategy

	timeoutMin time.Duration
	timeoutMax time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	logger *slog.Logger
}

func NewFailureDetector(nodes []*Node, strategy ElectionStrategy, timeoutMin, timeoutMax time.Duration, logger *slog.Logger) *FailureDetector {
	return &FailureDetector{
		nodes:      nodes,
		strategy:   strategy,
		timeoutMin: timeoutMin,
		timeoutMax: timeoutMax,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger.With("component", "failure detector"),
	}
}

// RandomTimeout draws a fresh jittered suspicion window. The jitter is
// load-bearing: synchronized windows would make every follower start an
// election at once and split the vote indefinitely.
func (d *FailureDetector) RandomTimeout() time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	spread := d.timeoutMax - d.timeoutMin
	if spread <= 0 {
		return d.timeoutMin
	}
	return d.timeoutMin + time.Duration(d.rng.Int63n(int64(spread)))
}

// CheckAll scans the cluster once and starts an election for every alive
// follower whose suspicion window has elapsed. Elections run asynchronously
// so one slow round cannot stall the scan.
func (d *FailureDetector) CheckAll(ctx context.Context) {
	now := time.Now()
	for _, n := range d.nodes {
		if !n.Suspects(now) {
			continue
		}

		node := n
		d.logger.Info("leader suspected", "node", node.ID(), "timeout", node.Info().Timeout)
		go func() {
			if err := d.strategy.StartElection(ctx, node); err != nil {
				d.logger.Debug("election attempt failed", "node", node.ID(), "error", err.Error())
			}
		}()
	}
}
