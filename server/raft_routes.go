package server

import (
	"encoding/json"
	"net/http"

	"github.com/INLOpen/nexuskv/raft"
)

// Peer RPC endpoints. These mirror HTTPTransport's wire format: JSON
// request in, JSON response out, non-200 only for malformed input or a
// stopped node.

func decodeRPC(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed rpc body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleRaftVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.node.HandleRequestVote(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRaftAppend(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.node.HandleAppendEntries(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRaftSnapshot(w http.ResponseWriter, r *http.Request) {
	var req raft.InstallSnapshotRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.node.HandleInstallSnapshot(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
