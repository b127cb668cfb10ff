package registry

import (
	"fmt"
	"strconv"
	"time"
)

// Instance is the registry's mutable record of one service instance. All
// mutable fields are guarded by the registry lock; callers only ever see
// InstanceInfo snapshots.
type Instance struct {
	id       string
	name     string
	host     string
	port     int
	metadata map[string]string
	weight   int

	healthy       bool
	lastHeartbeat time.Time
	failureCount  int
	inflight      int
}

// InstanceInfo is an immutable snapshot of a service instance.
type InstanceInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Weight        int               `json:"weight"`
	Healthy       bool              `json:"healthy"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	FailureCount  int               `json:"failure_count"`
	Inflight      int               `json:"inflight"`
}

// Addr returns the host:port address of the instance.
func (i InstanceInfo) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

func (i *Instance) snapshot() InstanceInfo {
	md := make(map[string]string, len(i.metadata))
	for k, v := range i.metadata {
		md[k] = v
	}
	return InstanceInfo{
		ID:            i.id,
		Name:          i.name,
		Host:          i.host,
		Port:          i.port,
		Metadata:      md,
		Weight:        i.weight,
		Healthy:       i.healthy,
		LastHeartbeat: i.lastHeartbeat,
		FailureCount:  i.failureCount,
		Inflight:      i.inflight,
	}
}

// instanceWeight reads the load balancing weight from metadata, defaulting to 1.
func instanceWeight(metadata map[string]string) int {
	raw, ok := metadata["weight"]
	if !ok {
		return 1
	}
	w, err := strconv.Atoi(raw)
	if err != nil || w < 1 {
		return 1
	}
	return w
}
