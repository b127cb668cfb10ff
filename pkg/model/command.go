package model

// CommandCode identifies the kind of a peer-to-peer command.
type CommandCode int

const (
	// HeartBeat is the leader liveness broadcast
	HeartBeat CommandCode = iota
	// RequestVote is the candidate vote solicitation
	RequestVote
	// Announce is the bully coordinator announcement
	Announce
)

func (c CommandCode) String() string {
	switch c {
	case HeartBeat:
		return "heartbeat"
	case RequestVote:
		return "request_vote"
	case Announce:
		return "announce"
	}
	return "unknown"
}

// HeartBeatRequest is the heartbeat request
type HeartBeatRequest struct {
	LeaderID int    `json:"leader_id" mapstructure:"leader_id"`
	Term     uint64 `json:"term" mapstructure:"term"`
}

// HeartBeatResponse is the heartbeat response
type HeartBeatResponse struct {
	Ok      bool   `json:"ok,omitempty" mapstructure:"ok"`
	Term    uint64 `json:"term,omitempty" mapstructure:"term"`
	Message string `json:"message,omitempty" mapstructure:"message"`
}

func HBResponse(resp *HeartBeatResponse, ok bool, term uint64, msg string) {
	resp.Ok = ok
	resp.Term = term
	resp.Message = msg
}

// VoteRequest is the vote request
type VoteRequest struct {
	CandidateID int    `json:"candidate_id" mapstructure:"candidate_id"`
	Term        uint64 `json:"term" mapstructure:"term"`
}

// VoteResponse is the vote response
type VoteResponse struct {
	VoterID int    `json:"voter_id" mapstructure:"voter_id"`
	Granted bool   `json:"granted" mapstructure:"granted"`
	Term    uint64 `json:"term" mapstructure:"term"`
	Message string `json:"message,omitempty" mapstructure:"message"`
}

// AnnounceRequest is the bully coordinator announcement
type AnnounceRequest struct {
	LeaderID int    `json:"leader_id" mapstructure:"leader_id"`
	Term     uint64 `json:"term" mapstructure:"term"`
}

// AnnounceResponse is the bully coordinator announcement response
type AnnounceResponse struct {
	Ok bool `json:"ok" mapstructure:"ok"`
}

// VoteOutcome is the local result of a vote request applied to a node.
type VoteOutcome struct {
	Granted bool
	Term    uint64
	Message string
}
