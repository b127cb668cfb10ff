package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Balancer picks one instance out of the healthy candidates for a service.
// Implementations never see unhealthy or stale instances; the registry
// filters before delegating.
type Balancer interface {
	Name() string
	Pick(service string, candidates []InstanceInfo) InstanceInfo
}

// NewBalancer builds a balancer by name: round_robin, weighted,
// least_connections or random.
func NewBalancer(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return NewRoundRobin(), nil
	case "weighted":
		return NewWeighted(time.Now().UnixNano()), nil
	case "least_connections":
		return NewLeastConnections(), nil
	case "random":
		return NewRandom(time.Now().UnixNano()), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}

// RoundRobin rotates through candidates with one counter per service key.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[string]uint64)}
}

func (b *RoundRobin) Name() string { return "round_robin" }

func (b *RoundRobin) Pick(service string, candidates []InstanceInfo) InstanceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counters[service]
	b.counters[service] = n + 1
	return candidates[int(n%uint64(len(candidates)))]
}

// Weighted picks randomly with probability proportional to instance weight.
type Weighted struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewWeighted(seed int64) *Weighted {
	return &Weighted{rng: rand.New(rand.NewSource(seed))}
}

func (b *Weighted) Name() string { return "weighted" }

func (b *Weighted) Pick(service string, candidates []InstanceInfo) InstanceInfo {
	total := 0
	for _, c := range candidates {
		total += c.Weight
	}

	b.mu.Lock()
	point := b.rng.Intn(total)
	b.mu.Unlock()

	for _, c := range candidates {
		point -= c.Weight
		if point < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// LeastConnections picks the candidate with the fewest in-flight requests.
type LeastConnections struct{}

func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (b *LeastConnections) Name() string { return "least_connections" }

func (b *LeastConnections) Pick(service string, candidates []InstanceInfo) InstanceInfo {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Inflight < best.Inflight {
			best = c
		}
	}
	return best
}

// Random picks uniformly.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (b *Random) Name() string { return "random" }

func (b *Random) Pick(service string, candidates []InstanceInfo) InstanceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return candidates[b.rng.Intn(len(candidates))]
}
