package raft

import (
	"context"
)

type voteResult struct {
	from         string
	electionTerm uint64
	resp         *RequestVoteResponse
}

// startElection moves to candidate, votes for itself, and solicits votes.
func (n *Node) startElection() {
	n.term++
	n.votedFor = n.id
	n.metrics.TermChangesTotal.Add(1)
	n.metrics.ElectionsStartedTotal.Add(1)
	n.persistState()
	n.setState(Candidate)
	n.votesGranted = map[string]bool{n.id: true}
	n.leaderID.Store("")

	n.logger.Info("Starting election.", "term", n.term)

	if len(n.peerIDs) == 0 {
		n.becomeLeader()
		return
	}

	lastLogIndex, lastLogTerm := n.lastLogInfo()
	req := &RequestVoteRequest{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	electionTerm := n.term

	for _, peerID := range n.peerIDs {
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.SendRequestVote(ctx, peerID, req)
			if err != nil {
				return // Unreachable peer; the election timer decides what happens next.
			}
			select {
			case n.resultChan <- &voteResult{from: peerID, electionTerm: electionTerm, resp: resp}:
			case <-n.stopChan:
			}
		}(peerID)
	}
}

func (n *Node) handleVoteResult(res *voteResult) {
	if res.resp.Term > n.term {
		n.stepDown(res.resp.Term)
		return
	}
	// Stale result from an earlier election.
	if n.State() != Candidate || res.electionTerm != n.term {
		return
	}
	if !res.resp.VoteGranted {
		return
	}

	n.votesGranted[res.from] = true
	if len(n.votesGranted) >= n.quorum() {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.setState(Leader)
	n.leaderID.Store(n.id)

	lastLogIndex, _ := n.lastLogInfo()
	for _, peerID := range n.peerIDs {
		n.nextIndex[peerID] = lastLogIndex + 1
		n.matchIndex[peerID] = 0
	}
	n.matchIndex[n.id] = lastLogIndex

	n.logger.Info("Became leader.", "term", n.term, "last_log_index", lastLogIndex)

	// Immediate heartbeat asserts leadership before any follower times out.
	n.broadcastAppendEntries()
}

// handleRequestVote applies the vote grant rule: the candidate's term must
// be current, we must not have voted for someone else this term, and the
// candidate's log must be at least as up to date as ours.
func (n *Node) handleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	if req.Term > n.term {
		n.stepDown(req.Term)
	}

	resp := &RequestVoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp
	}

	lastLogIndex, lastLogTerm := n.lastLogInfo()
	logUpToDate := req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex)

	if (n.votedFor == "" || n.votedFor == req.CandidateID) && logUpToDate {
		n.votedFor = req.CandidateID
		n.persistState()
		resp.VoteGranted = true
		n.resetElectionTimer()
	}
	return resp
}
