package model

// NodeEvent represents the related events in the entire lifecycle of the node,
// used to drive the node Finite State Machine (FSM)
type NodeEvent string

const (
	// EventElectionTimeout represents the node election timeout
	EventElectionTimeout NodeEvent = "election_timeout"
	// EventMajorityVotes represents the node winning its election
	EventMajorityVotes NodeEvent = "majority_votes"
	// EventNewLeader represents the node discovering a new leader or term
	EventNewLeader NodeEvent = "new_leader"
	// EventDown represents the node going offline
	EventDown NodeEvent = "down"
	// EventRevive represents the node coming back from the dead state
	EventRevive NodeEvent = "revive"
)

func (n NodeEvent) String() string {
	return string(n)
}
