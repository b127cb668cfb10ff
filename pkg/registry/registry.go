// Package registry implements service registration, discovery, health
// checking and load balancing over healthy instances.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlab/electorate/pkg/metrics"
	"github.com/quorumlab/electorate/pkg/schedule"
)

var (
	// ErrNoHealthyInstance is returned when discovery finds no eligible
	// instance. A recoverable try-again condition, never a crash.
	ErrNoHealthyInstance = errors.New("registry: no healthy instance")
	// ErrDuplicateInstance is returned when an identical address is already
	// registered for the service.
	ErrDuplicateInstance = errors.New("registry: instance already registered")
)

// CheckFunc probes one instance; a nil error means healthy.
type CheckFunc func(info InstanceInfo) error

// Options configures a registry.
type Options struct {
	// CheckInterval is the health check polling interval.
	CheckInterval time.Duration
	// FailureThreshold is the consecutive-failure count that triggers
	// automatic deregistration.
	FailureThreshold int
	// HeartbeatTimeout marks an instance stale without an explicit failed
	// check, covering processes that crashed outright.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often stale instances are swept out.
	SweepInterval time.Duration
	// CheckTimeout bounds the default TCP probe.
	CheckTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CheckInterval == 0 {
		out.CheckInterval = 5 * time.Second
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 3
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = 30 * time.Second
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 10 * time.Second
	}
	if out.CheckTimeout == 0 {
		out.CheckTimeout = 2 * time.Second
	}
	return out
}

// New creates a registry using the given balancer.
func New(opts Options, balancer Balancer, m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("new registry, logger is nil")
	}
	if balancer == nil {
		balancer = NewRoundRobin()
	}
	opts = opts.withDefaults()

	r := &Registry{
		opts:     opts,
		services: make(map[string]map[string]*Instance),
		balancer: balancer,
		metrics:  m,
		logger:   logger.With("component", "registry"),
	}
	r.checkFunc = r.tcpCheck
	return r, nil
}

// Registry maintains live service instances and their health.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	services map[string]map[string]*Instance

	balancer  Balancer
	checkFunc CheckFunc

	checkTask *schedule.Task
	sweepTask *schedule.Task

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// SetCheckFunc overrides the health probe. Useful for tests and custom
// checks; must be called before Start.
func (r *Registry) SetCheckFunc(fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFunc = fn
}

// Start arms the health check and stale sweep loops.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkTask != nil {
		return
	}
	r.checkTask = schedule.Repeat(r.opts.CheckInterval, r.CheckNow)
	r.sweepTask = schedule.Repeat(r.opts.SweepInterval, r.SweepNow)
	r.logger.Info("registry started", "check interval", r.opts.CheckInterval, "balancer", r.balancer.Name())
}

// Stop cancels the health check and sweep loops.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkTask != nil {
		r.checkTask.Stop()
		r.checkTask = nil
	}
	if r.sweepTask != nil {
		r.sweepTask.Stop()
		r.sweepTask = nil
	}
}

// Register adds an instance and returns its id. Registering an address that
// is already live for the service is rejected.
func (r *Registry) Register(name, host string, port int, metadata map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.services[name]
	if !ok {
		instances = make(map[string]*Instance)
		r.services[name] = instances
	}
	for _, inst := range instances {
		if inst.host == host && inst.port == port {
			return "", fmt.Errorf("%w: %s %s:%d", ErrDuplicateInstance, name, host, port)
		}
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	inst := &Instance{
		id:            uuid.NewString(),
		name:          name,
		host:          host,
		port:          port,
		metadata:      md,
		weight:        instanceWeight(md),
		healthy:       true,
		lastHeartbeat: time.Now(),
	}
	instances[inst.id] = inst

	r.logger.Info("registered instance", "service", name, "instance", inst.id, "addr", fmt.Sprintf("%s:%d", host, port))
	r.observeLocked(name)
	return inst.id, nil
}

// Deregister removes an instance. Idempotent: false when absent.
func (r *Registry) Deregister(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(name, id, "deregistered")
}

// Heartbeat refreshes an instance's liveness timestamp. False when absent,
// keeping heartbeat loops resilient to deregistration races.
func (r *Registry) Heartbeat(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.services[name][id]
	if !ok {
		return false
	}
	inst.lastHeartbeat = time.Now()
	return true
}

// Discover returns one healthy, fresh instance chosen by the balancer and
// counts it as an in-flight request; pair with Release.
func (r *Registry) Discover(name string) (InstanceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var candidates []InstanceInfo
	for _, inst := range r.services[name] {
		if inst.healthy && now.Sub(inst.lastHeartbeat) <= r.opts.HeartbeatTimeout {
			candidates = append(candidates, inst.snapshot())
		}
	}
	if len(candidates) == 0 {
		r.metrics.Discovered(name, "miss")
		return InstanceInfo{}, fmt.Errorf("%w: %s", ErrNoHealthyInstance, name)
	}

	picked := r.balancer.Pick(name, candidates)
	if inst, ok := r.services[name][picked.ID]; ok {
		inst.inflight++
	}
	r.metrics.Discovered(name, "hit")
	return picked, nil
}

// Release marks one in-flight request against the instance as finished.
func (r *Registry) Release(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.services[name][id]; ok && inst.inflight > 0 {
		inst.inflight--
	}
}

// Instances returns snapshots of every instance of a service.
func (r *Registry) Instances(name string) []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(r.services[name]))
	for _, inst := range r.services[name] {
		out = append(out, inst.snapshot())
	}
	return out
}

// ServiceStats summarizes one service.
type ServiceStats struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// Stats summarizes the registry.
type Stats struct {
	Services map[string]ServiceStats `json:"services"`
	Balancer string                  `json:"balancer"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{Services: make(map[string]ServiceStats), Balancer: r.balancer.Name()}
	for name, instances := range r.services {
		s := ServiceStats{Total: len(instances)}
		for _, inst := range instances {
			if inst.healthy {
				s.Healthy++
			}
		}
		stats.Services[name] = s
	}
	return stats
}

// CheckNow runs one health check round over every instance. Probes run
// outside the registry lock so a slow endpoint cannot stall registrations.
func (r *Registry) CheckNow() {
	type target struct {
		name string
		id   string
		info InstanceInfo
	}
	r.mu.RLock()
	var targets []target
	for name, instances := range r.services {
		for id, inst := range instances {
			targets = append(targets, target{name: name, id: id, info: inst.snapshot()})
		}
	}
	checkFunc := r.checkFunc
	r.mu.RUnlock()

	type outcome struct {
		target
		err error
	}
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			results[i] = outcome{target: tg, err: checkFunc(tg.info)}
		}(i, tg)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		inst, ok := r.services[res.name][res.id]
		if !ok {
			// deregistered while the probe was in flight
			continue
		}
		if res.err == nil {
			if !inst.healthy {
				r.logger.Info("instance recovered", "service", res.name, "instance", res.id)
			}
			inst.healthy = true
			inst.failureCount = 0
			continue
		}

		inst.healthy = false
		inst.failureCount++
		r.metrics.HealthCheckFailed()
		r.logger.Debug("health check failed", "service", res.name, "instance", res.id,
			"failures", inst.failureCount, "error", res.err.Error())
		if inst.failureCount >= r.opts.FailureThreshold {
			r.deregisterLocked(res.name, res.id, "failure threshold reached")
		}
	}
	for name := range r.services {
		r.observeLocked(name)
	}
}

// SweepNow removes instances whose last heartbeat exceeds the heartbeat
// timeout, independent of health check failures.
func (r *Registry) SweepNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for name, instances := range r.services {
		for id, inst := range instances {
			if now.Sub(inst.lastHeartbeat) > r.opts.HeartbeatTimeout {
				r.deregisterLocked(name, id, "stale heartbeat")
			}
		}
		r.observeLocked(name)
	}
}

func (r *Registry) deregisterLocked(name, id, reason string) bool {
	instances, ok := r.services[name]
	if !ok {
		return false
	}
	if _, ok := instances[id]; !ok {
		return false
	}
	delete(instances, id)
	if len(instances) == 0 {
		delete(r.services, name)
	}
	r.logger.Info("removed instance", "service", name, "instance", id, "reason", reason)
	r.observeLocked(name)
	return true
}

func (r *Registry) observeLocked(name string) {
	healthy, unhealthy := 0, 0
	for _, inst := range r.services[name] {
		if inst.healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	r.metrics.ObserveInstances(name, healthy, unhealthy)
}

func (r *Registry) tcpCheck(info InstanceInfo) error {
	conn, err := net.DialTimeout("tcp", info.Addr(), r.opts.CheckTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
