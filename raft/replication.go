package raft

import (
	"context"
)

type appendResult struct {
	from string
	// sentTerm is the term the request was sent in; responses from older
	// terms are ignored.
	sentTerm uint64
	// lastSentIndex is the index of the last entry in the request (or the
	// snapshot's last included index), used to advance matchIndex.
	lastSentIndex uint64
	// round is the broadcast round the request was sent in. Read-index
	// confirmations only count rounds at or after the read's registration.
	round    uint64
	resp     *AppendEntriesResponse
	snapResp *InstallSnapshotResponse
}

// broadcastAppendEntries sends each peer the entries it is missing (or a
// heartbeat when it has everything). Peers behind the retained log get a
// snapshot instead.
func (n *Node) broadcastAppendEntries() {
	n.broadcastRound++
	for _, peerID := range n.peerIDs {
		n.replicateToPeer(peerID)
	}
}

func (n *Node) replicateToPeer(peerID string) {
	next := n.nextIndex[peerID]
	if next < n.log.FirstIndex() {
		n.sendSnapshotToPeer(peerID)
		return
	}

	prevIndex := next - 1
	prevTerm, ok := n.termAt(prevIndex)
	if !ok && prevIndex != 0 {
		// prevIndex predates the retained log.
		n.sendSnapshotToPeer(peerID)
		return
	}

	entries := n.log.EntriesFrom(next)
	req := &AppendEntriesRequest{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	lastSent := prevIndex + uint64(len(entries))
	round := n.broadcastRound

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		resp, err := n.transport.SendAppendEntries(ctx, peerID, req)
		if err != nil {
			return
		}
		select {
		case n.resultChan <- &appendResult{from: peerID, sentTerm: req.Term, lastSentIndex: lastSent, round: round, resp: resp}:
		case <-n.stopChan:
		}
	}()
}

func (n *Node) handleAppendResult(res *appendResult) {
	respTerm := uint64(0)
	switch {
	case res.resp != nil:
		respTerm = res.resp.Term
	case res.snapResp != nil:
		respTerm = res.snapResp.Term
	}
	if respTerm > n.term {
		n.stepDown(respTerm)
		return
	}
	if n.State() != Leader || res.sentTerm != n.term {
		return
	}

	if res.snapResp != nil {
		// Snapshot accepted: the follower now has everything up to its
		// last included index.
		if res.lastSentIndex > n.matchIndex[res.from] {
			n.matchIndex[res.from] = res.lastSentIndex
		}
		n.nextIndex[res.from] = res.lastSentIndex + 1
		n.advanceCommitIndex()
		return
	}

	if res.resp.Success {
		if res.lastSentIndex > n.matchIndex[res.from] {
			n.matchIndex[res.from] = res.lastSentIndex
		}
		n.nextIndex[res.from] = n.matchIndex[res.from] + 1

		// A successful response also confirms leadership, but only for reads
		// registered before this request was sent. A response to an older
		// round may have been in flight since before a partition.
		for _, r := range n.pendingReads {
			if r.term == n.term && res.round >= r.round {
				r.acks[res.from] = true
			}
		}
		n.advanceCommitIndex()
		n.resolvePendingReads()
		return
	}

	// Rejected: back up using the conflict hints.
	switch {
	case res.resp.ConflictTerm != 0:
		// Skip past the leader's last entry of the conflicting term; if the
		// leader never had that term, jump to the follower's first index of it.
		next := res.resp.ConflictIndex
		for index := n.log.LastIndex(); index >= n.log.FirstIndex(); index-- {
			term, ok := n.termAt(index)
			if !ok {
				break
			}
			if term == res.resp.ConflictTerm {
				next = index + 1
				break
			}
			if term < res.resp.ConflictTerm {
				break
			}
		}
		n.nextIndex[res.from] = max64(1, next)
	case res.resp.ConflictIndex != 0:
		n.nextIndex[res.from] = max64(1, res.resp.ConflictIndex)
	default:
		if n.nextIndex[res.from] > 1 {
			n.nextIndex[res.from]--
		}
	}
	n.replicateToPeer(res.from)
}

// advanceCommitIndex commits the highest index replicated to a majority,
// restricted to entries from the current term. Older-term entries commit
// implicitly alongside them.
func (n *Node) advanceCommitIndex() {
	for index := n.log.LastIndex(); index > n.commitIndex; index-- {
		term, ok := n.termAt(index)
		if !ok {
			break
		}
		if term != n.term {
			break
		}
		count := 0
		for _, match := range n.matchIndex {
			if match >= index {
				count++
			}
		}
		if count >= n.quorum() {
			n.commitIndex = index
			n.applyCommitted()
			return
		}
	}
}

// handleAppendEntries processes a leader's replication or heartbeat RPC.
func (n *Node) handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	if req.Term > n.term {
		n.stepDown(req.Term)
	}

	resp := &AppendEntriesResponse{Term: n.term}
	if req.Term < n.term {
		return resp
	}

	// A current-term AppendEntries always comes from the legitimate leader.
	if n.State() != Follower {
		n.stepDown(req.Term)
	}
	n.leaderID.Store(req.LeaderID)
	n.resetElectionTimer()

	// Consistency check at prevLogIndex.
	if req.PrevLogIndex > 0 && req.PrevLogIndex != n.lastIncludedIndex {
		term, ok := n.termAt(req.PrevLogIndex)
		if !ok {
			// Log too short (or the entry predates our snapshot, which
			// means the leader is behind our installed state).
			resp.ConflictIndex = n.log.LastIndex() + 1
			return resp
		}
		if term != req.PrevLogTerm {
			resp.ConflictTerm = term
			resp.ConflictIndex = n.firstIndexOfTerm(term, req.PrevLogIndex)
			return resp
		}
	}

	// Append entries, truncating a conflicting suffix first. Entries the
	// follower already has (same index and term) are skipped, so a
	// re-delivered request is harmless.
	for _, entry := range req.Entries {
		if entry.Index <= n.lastIncludedIndex {
			continue
		}
		existingTerm, ok := n.termAt(entry.Index)
		if ok {
			if existingTerm == entry.Term {
				continue
			}
			if err := n.log.TruncateSuffix(entry.Index); err != nil {
				n.logger.Error("Failed to truncate conflicting log suffix.", "from_index", entry.Index, "error", err)
				return resp
			}
		}
		if err := n.log.Append(entry); err != nil {
			n.logger.Error("Failed to append replicated entry.", "index", entry.Index, "error", err)
			return resp
		}
	}

	if req.LeaderCommit > n.commitIndex {
		lastNewIndex := req.PrevLogIndex + uint64(len(req.Entries))
		n.commitIndex = min64(req.LeaderCommit, max64(lastNewIndex, n.commitIndex))
		n.applyCommitted()
	}

	resp.Success = true
	return resp
}

// firstIndexOfTerm finds the first retained index whose entry has the given
// term, scanning back from at.
func (n *Node) firstIndexOfTerm(term uint64, at uint64) uint64 {
	first := at
	for index := at; index >= n.log.FirstIndex(); index-- {
		entryTerm, ok := n.termAt(index)
		if !ok || entryTerm != term {
			break
		}
		first = index
	}
	return first
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
