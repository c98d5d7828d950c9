package raft

import (
	"context"
	"errors"
	"fmt"
)

// State represents the current role of a raft node.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotLeader is returned when an operation requires the leader. Use
	// AsNotLeaderError to extract the leader hint.
	ErrNotLeader = errors.New("not the leader")
	// ErrTimeout is returned when a proposal or read fails to commit within
	// the caller's context deadline.
	ErrTimeout = errors.New("raft operation timed out")
	// ErrShutdown is returned when the node has been stopped.
	ErrShutdown = errors.New("raft node is shut down")
)

// NotLeaderError wraps ErrNotLeader with a hint about the current leader so
// callers can redirect.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not the leader (leader unknown)"
	}
	return fmt.Sprintf("not the leader (leader is %s at %s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// AsNotLeaderError extracts the leader hint from an error chain, if present.
func AsNotLeaderError(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}

// LogEntry is one record in the replicated log.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command []byte `json:"command"`
}

// RequestVoteRequest is sent by candidates to gather votes.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteResponse is the reply to a RequestVote RPC.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest is sent by the leader to replicate entries and as a
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit"`
}

// AppendEntriesResponse is the reply to an AppendEntries RPC. On rejection
// the conflict hints let the leader skip back over whole terms instead of
// decrementing one index at a time.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// ConflictTerm is the term of the follower's conflicting entry, zero if
	// the follower's log is simply too short.
	ConflictTerm uint64 `json:"conflict_term,omitempty"`
	// ConflictIndex is the first index of ConflictTerm in the follower's
	// log, or one past the follower's last index when the log is too short.
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
}

// InstallSnapshotRequest carries a complete engine snapshot to a follower
// whose log position precedes the leader's retained log.
type InstallSnapshotRequest struct {
	Term              uint64 `json:"term"`
	LeaderID          string `json:"leader_id"`
	LastIncludedIndex uint64 `json:"last_included_index"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
	Data              []byte `json:"data"`
}

// InstallSnapshotResponse is the reply to an InstallSnapshot RPC.
type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// StateMachine is the replicated state machine the raft node drives. The
// storage engine implements it.
type StateMachine interface {
	ApplyCommand(index uint64, data []byte) error
	LastAppliedIndex() uint64
	CreateSnapshot(ctx context.Context, snapshotDir string) error
	RestoreFromSnapshot(ctx context.Context, snapshotDir string) error
}

// Transport delivers RPCs to peers. Implementations must be safe for
// concurrent use.
type Transport interface {
	SendRequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, peerID string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
