package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/INLOpen/nexuskv/raft"
)

const (
	votePath     = "/raft/vote"
	appendPath   = "/raft/append"
	snapshotPath = "/raft/snapshot"
)

// HTTPTransport carries raft RPCs between nodes as JSON over the peer
// endpoints served by Server.
type HTTPTransport struct {
	peers  map[string]string
	client *http.Client
}

var _ raft.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport for the given peer address map
// (node ID to base URL). The context deadline of each call bounds the
// request; the client itself carries no timeout.
func NewHTTPTransport(peers map[string]string) *HTTPTransport {
	copied := make(map[string]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	return &HTTPTransport{
		peers:  copied,
		client: &http.Client{},
	}
}

func (t *HTTPTransport) post(ctx context.Context, peerID, path string, reqBody, respBody any) error {
	base, ok := t.peers[peerID]
	if !ok {
		return fmt.Errorf("unknown peer %s", peerID)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode rpc request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc to %s failed: %w", peerID, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc to %s returned status %d", peerID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode rpc response from %s: %w", peerID, err)
	}
	return nil
}

func (t *HTTPTransport) SendRequestVote(ctx context.Context, peerID string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	if err := t.post(ctx, peerID, votePath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) SendAppendEntries(ctx context.Context, peerID string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	if err := t.post(ctx, peerID, appendPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) SendInstallSnapshot(ctx context.Context, peerID string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	if err := t.post(ctx, peerID, snapshotPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
