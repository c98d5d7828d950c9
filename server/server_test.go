package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/raft"
)

// mockRaftNode commits proposals straight into the engine, bypassing
// consensus, so handler behavior can be tested in isolation.
type mockRaftNode struct {
	eng        *engine.StorageEngine
	leader     bool
	leaderID   string
	leaderAddr string
	nextIndex  atomic.Uint64

	voteResp   *raft.RequestVoteResponse
	appendResp *raft.AppendEntriesResponse
	snapResp   *raft.InstallSnapshotResponse
}

func (m *mockRaftNode) Propose(_ context.Context, command []byte) (uint64, error) {
	if !m.leader {
		return 0, &raft.NotLeaderError{LeaderID: m.leaderID, LeaderAddr: m.leaderAddr}
	}
	index := m.nextIndex.Add(1)
	if err := m.eng.ApplyCommand(index, command); err != nil {
		return 0, err
	}
	return index, nil
}

func (m *mockRaftNode) VerifyRead(context.Context) error {
	if !m.leader {
		return &raft.NotLeaderError{LeaderID: m.leaderID, LeaderAddr: m.leaderAddr}
	}
	return nil
}

func (m *mockRaftNode) IsLeader() bool { return m.leader }

func (m *mockRaftNode) LeaderHint() (string, string) { return m.leaderID, m.leaderAddr }

func (m *mockRaftNode) HandleRequestVote(_ context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	if m.voteResp != nil {
		return m.voteResp, nil
	}
	return &raft.RequestVoteResponse{Term: req.Term}, nil
}

func (m *mockRaftNode) HandleAppendEntries(_ context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	if m.appendResp != nil {
		return m.appendResp, nil
	}
	return &raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func (m *mockRaftNode) HandleInstallSnapshot(_ context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	if m.snapResp != nil {
		return m.snapResp, nil
	}
	return &raft.InstallSnapshotResponse{Term: req.Term}, nil
}

func newTestServer(t *testing.T, leader bool) (*httptest.Server, *mockRaftNode) {
	t.Helper()
	eng, err := engine.NewStorageEngine(engine.StorageEngineOptions{
		DataDir:            t.TempDir(),
		MemtableThreshold:  1 << 20,
		CompactionInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Close() })

	node := &mockRaftNode{
		eng:        eng,
		leader:     leader,
		leaderID:   "n1",
		leaderAddr: "http://127.0.0.1:8081",
	}
	srv := NewServer(eng, node, Options{RequestTimeout: 2 * time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, node
}

func doRequest(t *testing.T, method, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServerPutGetDelete(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, body := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/alpha", []byte("one"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var put putResponse
	require.NoError(t, json.Unmarshal(body, &put))
	assert.Equal(t, uint64(1), put.Index)

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/v1/kv/alpha", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("one"), body)

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/v1/kv/alpha", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/kv/alpha", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerGetMissingKeyReturns404(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/kv/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerNonLeaderReturnsHint(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, body := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/alpha", []byte("one"))
	require.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)

	var er errorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, "n1", er.LeaderID)
	assert.Equal(t, "http://127.0.0.1:8081", er.LeaderAddr)

	// Reads are redirected too.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/kv/alpha", nil)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
}

func TestServerScanRange(t *testing.T) {
	ts, _ := newTestServer(t, true)

	for i := 1; i <= 5; i++ {
		key := fmt.Sprintf("key%d", i)
		resp, _ := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/"+key, []byte(fmt.Sprintf("val%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/scan?start=key2&end=key5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []scanEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "key2", entries[0].Key)
	assert.Equal(t, "val2", entries[0].Value)
	assert.Equal(t, "key4", entries[2].Key)
}

func TestServerScanEmptyRangeReturnsEmptyArray(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/scan?start=a&end=b", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(bytes.TrimSpace(body)))
}

func TestServerRejectsOversizedValue(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, _ := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/big", make([]byte, maxValueSize+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

// TestHTTPTransportAgainstRaftRoutes verifies that the transport's wire
// format and the peer endpoints agree end to end.
func TestHTTPTransportAgainstRaftRoutes(t *testing.T) {
	ts, node := newTestServer(t, true)
	node.voteResp = &raft.RequestVoteResponse{Term: 7, VoteGranted: true}
	node.appendResp = &raft.AppendEntriesResponse{Term: 7, Success: false, ConflictTerm: 3, ConflictIndex: 12}
	node.snapResp = &raft.InstallSnapshotResponse{Term: 7}

	transport := NewHTTPTransport(map[string]string{"peer": ts.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	voteResp, err := transport.SendRequestVote(ctx, "peer", &raft.RequestVoteRequest{Term: 7, CandidateID: "n2"})
	require.NoError(t, err)
	assert.True(t, voteResp.VoteGranted)
	assert.Equal(t, uint64(7), voteResp.Term)

	appendResp, err := transport.SendAppendEntries(ctx, "peer", &raft.AppendEntriesRequest{
		Term:     7,
		LeaderID: "n2",
		Entries:  []raft.LogEntry{{Index: 1, Term: 7, Command: core.EncodeCommand(core.Command{Type: core.EntryTypePut, Key: []byte("k"), Value: []byte("v")})}},
	})
	require.NoError(t, err)
	assert.False(t, appendResp.Success)
	assert.Equal(t, uint64(3), appendResp.ConflictTerm)
	assert.Equal(t, uint64(12), appendResp.ConflictIndex)

	snapResp, err := transport.SendInstallSnapshot(ctx, "peer", &raft.InstallSnapshotRequest{Term: 7, LeaderID: "n2", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snapResp.Term)

	_, err = transport.SendRequestVote(ctx, "unknown", &raft.RequestVoteRequest{})
	assert.Error(t, err)
}
