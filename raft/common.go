package raft

type (
	Term   uint64
	Index  uint64
	NodeID string
)

// None is the zero NodeID: no vote cast, no leader known.
const None NodeID = ""

type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type EntryType uint8

const (
	EntryCommand EntryType = iota
	EntryNoop              // appended by a new leader to commit entries of older terms
)

type LogEntry[C any] struct {
	Term    Term      // term when entry was received by leader
	Type    EntryType // command or no-op
	Command C         // command for state machine, zero for no-ops
}

//
// AppendEntries RPC. Sent by the leader for both replication and heartbeats.
//
type AppendEntriesRequest[C any] struct {
	Term            Term          // leader’s term
	LeaderID        NodeID        // so follower can redirect clients
	PrevLogIndex    Index         // index of log entry immediately preceding new ones
	PrevLogTerm     Term          // term of prevLogIndex entry
	Entries         []LogEntry[C] // log entries to store (empty for heartbeat)
	LastCommitIndex Index         // leader’s commitIndex
}

type AppendEntriesReason uint8

const (
	AppendOk AppendEntriesReason = iota
	AppendStaleTerm
	AppendLogDoesNotExist
	AppendLogTermMismatch
	AppendUnsupported
)

func (r AppendEntriesReason) String() string {
	switch r {
	case AppendOk:
		return "Ok"
	case AppendStaleTerm:
		return "StaleTerm"
	case AppendLogDoesNotExist:
		return "LogDoesNotExist"
	case AppendLogTermMismatch:
		return "LogTermMismatch"
	case AppendUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

type AppendEntriesResponse struct {
	Term    Term // currentTerm, for leader to update itself
	Success bool // true if follower contained entry matching prevLogIndex and prevLogTerm
	ID      NodeID
	Reason  AppendEntriesReason

	// Follower's last log index after handling the request. Lets the leader
	// jump nextIndex back to the follower's end instead of stepping one by one.
	LastIndex Index
}

//
// RequestVote RPC. Sent by candidates to gather votes.
//
type RequestVoteRequest struct {
	Term         Term   // candidate’s term
	CandidateID  NodeID // candidate requesting vote
	LastLogIndex Index  // index of candidate’s last log entry
	LastLogTerm  Term   // term of candidate’s last log entry
}

type RequestVoteResponse struct {
	Term        Term // currentTerm, for candidate to update itself
	VoteGranted bool
	ID          NodeID
}

// InstallSnapshotRequest is reserved for log compaction, which this node
// does not implement. Receivers answer with an UnsupportedResponse.
type InstallSnapshotRequest struct {
	Term              Term
	LeaderID          NodeID
	LastIncludedIndex Index
	LastIncludedTerm  Term
	Data              []byte
}

// ConfigRequest is reserved for membership changes, which this node does not
// implement. Receivers answer with an UnsupportedResponse.
type ConfigRequest struct {
	Term     Term
	LeaderID NodeID
	Peers    []NodeID
}

type UnsupportedResponse struct {
	Term   Term
	ID     NodeID
	Reason AppendEntriesReason // always AppendUnsupported
}

type ClientRequest[C any] struct {
	Command C
}

type ClientResponseReason uint8

const (
	ClientOk ClientResponseReason = iota
	ClientRedirect
	ClientNoLeaderYet
	ClientLeadershipLost
	ClientApplyFailed
	ClientShuttingDown
)

func (r ClientResponseReason) String() string {
	switch r {
	case ClientOk:
		return "Ok"
	case ClientRedirect:
		return "Redirect"
	case ClientNoLeaderYet:
		return "NoLeaderYet"
	case ClientLeadershipLost:
		return "LeadershipLost"
	case ClientApplyFailed:
		return "ApplyFailed"
	case ClientShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

type ClientResponse struct {
	Success  bool
	Reason   ClientResponseReason
	LeaderID NodeID // set on Redirect, empty when unknown
	Index    Index  // log index the command was committed at
	Payload  []byte // state machine result
	Error    string // state machine error on ApplyFailed
}

// Status is a point-in-time view of a node, for monitoring.
type Status struct {
	ID          NodeID
	Role        Role
	Term        Term
	LeaderID    NodeID
	VotedFor    NodeID
	LastIndex   Index
	CommitIndex Index
	LastApplied Index
}
