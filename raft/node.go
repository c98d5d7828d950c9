package raft

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a raft node.
type Config struct {
	// ID is this node's identity within the cluster.
	ID string
	// Peers maps every other node's ID to its address. The address is opaque
	// to the node; the transport interprets it.
	Peers map[string]string
	// DataDir holds the persistent raft state, log, and snapshot directories.
	DataDir string

	// ElectionTimeoutMin/Max bound the randomized election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is how often the leader replicates, even when idle.
	HeartbeatInterval time.Duration
	// RPCTimeout bounds individual peer RPCs.
	RPCTimeout time.Duration

	// SnapshotThreshold is the number of retained log entries that triggers
	// a snapshot and log compaction. Zero disables automatic snapshots.
	SnapshotThreshold int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 3
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = c.ElectionTimeoutMin
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NodeMetrics holds expvar counters for one raft node.
type NodeMetrics struct {
	ElectionsStartedTotal   *expvar.Int
	TermChangesTotal        *expvar.Int
	ProposalsTotal          *expvar.Int
	ProposalErrorsTotal     *expvar.Int
	EntriesAppliedTotal     *expvar.Int
	SnapshotsCreatedTotal   *expvar.Int
	SnapshotsInstalledTotal *expvar.Int
	ReadIndexTotal          *expvar.Int
}

func newNodeMetrics() *NodeMetrics {
	return &NodeMetrics{
		ElectionsStartedTotal:   new(expvar.Int),
		TermChangesTotal:        new(expvar.Int),
		ProposalsTotal:          new(expvar.Int),
		ProposalErrorsTotal:     new(expvar.Int),
		EntriesAppliedTotal:     new(expvar.Int),
		SnapshotsCreatedTotal:   new(expvar.Int),
		SnapshotsInstalledTotal: new(expvar.Int),
		ReadIndexTotal:          new(expvar.Int),
	}
}

// Node implements raft consensus over a StateMachine. All protocol state is
// owned by a single event-loop goroutine; RPC handlers and the public API
// communicate with it through channels, so no protocol field needs a lock.
type Node struct {
	cfg       Config
	id        string
	peerIDs   []string
	sm        StateMachine
	transport Transport

	stateStore *StateStore
	log        *LogStore

	// Loop-owned state. Only the run goroutine touches these.
	term              uint64
	votedFor          string
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	commitIndex       uint64
	lastApplied       uint64
	nextIndex         map[string]uint64
	matchIndex        map[string]uint64
	votesGranted      map[string]bool
	waiters           map[uint64][]*proposeWaiter
	pendingReads      []*pendingRead
	broadcastRound    uint64 // increments per replication broadcast, stamps outgoing requests
	snapshotting      bool   // a snapshot capture is running off-loop
	snapshotDir       string // latest snapshot directory, loop-owned

	// Observable state for other goroutines.
	state    atomic.Int32
	leaderID atomic.Value // string

	rpcChan     chan *rpcEnvelope
	proposeChan chan *proposeRequest
	readChan    chan *readRequest
	resultChan  chan any

	electionTimer *time.Timer
	rng           *rand.Rand

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}

	metrics *NodeMetrics
	logger  *slog.Logger
}

type rpcEnvelope struct {
	vote     *RequestVoteRequest
	append   *AppendEntriesRequest
	snapshot *InstallSnapshotRequest
	done     chan any
}

type proposeWaiter struct {
	index uint64
	term  uint64
	done  chan error
}

type proposeRequest struct {
	command []byte
	done    chan proposeResult
}

type proposeResult struct {
	index uint64
	err   error
}

type pendingRead struct {
	readIndex uint64
	term      uint64
	// round is the broadcast round started for this read. Only responses to
	// requests sent in this round or later prove the node was still leader
	// after the read arrived; an ack from an earlier round may predate a
	// partition.
	round     uint64
	acks      map[string]bool
	confirmed bool
	done      chan error
}

// NewNode creates a raft node bound to a state machine and transport. The
// node recovers its persistent state from cfg.DataDir; Start launches the
// event loop.
func NewNode(cfg Config, sm StateMachine, transport Transport) (*Node, error) {
	cfg.setDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		id:          cfg.ID,
		sm:          sm,
		transport:   transport,
		stateStore:  NewStateStore(cfg.DataDir),
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		waiters:     make(map[uint64][]*proposeWaiter),
		rpcChan:     make(chan *rpcEnvelope),
		proposeChan: make(chan *proposeRequest),
		readChan:    make(chan *readRequest),
		resultChan:  make(chan any, 256),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashString(cfg.ID)))),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		metrics:     newNodeMetrics(),
		logger:      cfg.Logger.With("component", "RaftNode", "node_id", cfg.ID),
	}
	n.leaderID.Store("")
	for peerID := range cfg.Peers {
		if peerID != cfg.ID {
			n.peerIDs = append(n.peerIDs, peerID)
		}
	}

	persisted, found, err := n.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load raft state: %w", err)
	}
	if found {
		n.term = persisted.CurrentTerm
		n.votedFor = persisted.VotedFor
		n.lastIncludedIndex = persisted.LastIncludedIndex
		n.lastIncludedTerm = persisted.LastIncludedTerm
	}

	n.log, err = OpenLogStore(cfg.DataDir, n.lastIncludedIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log: %w", err)
	}
	n.snapshotDir = findLatestSnapshotDir(cfg.DataDir)

	// The engine already holds everything up to its last applied index; the
	// snapshot boundary is at least as old.
	n.commitIndex = n.lastIncludedIndex
	n.lastApplied = sm.LastAppliedIndex()
	if n.lastApplied < n.lastIncludedIndex {
		n.lastApplied = n.lastIncludedIndex
	}
	if n.lastApplied > n.commitIndex {
		n.commitIndex = n.lastApplied
	}

	n.logger.Info("Raft node initialized.",
		"term", n.term,
		"log_first", n.log.FirstIndex(),
		"log_last", n.log.LastIndex(),
		"last_applied", n.lastApplied)
	return n, nil
}

// Start launches the event loop.
func (n *Node) Start() {
	go n.run()
}

// Stop shuts the node down and waits for the event loop to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
	<-n.doneChan
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// State returns the node's current role.
func (n *Node) State() State { return State(n.state.Load()) }

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool { return n.State() == Leader }

// LeaderHint returns the last known leader's ID and address.
func (n *Node) LeaderHint() (string, string) {
	leader, _ := n.leaderID.Load().(string)
	return leader, n.cfg.Peers[leader]
}

// Metrics exposes the node's expvar counters.
func (n *Node) Metrics() *NodeMetrics { return n.metrics }

func (n *Node) notLeaderError() *NotLeaderError {
	id, addr := n.LeaderHint()
	return &NotLeaderError{LeaderID: id, LeaderAddr: addr}
}

// Propose replicates a command and waits until it is committed and applied,
// returning its log index. Returns ErrNotLeader (with a leader hint) on
// non-leaders and ErrTimeout when ctx expires first.
func (n *Node) Propose(ctx context.Context, command []byte) (uint64, error) {
	n.metrics.ProposalsTotal.Add(1)
	req := &proposeRequest{command: command, done: make(chan proposeResult, 1)}
	select {
	case n.proposeChan <- req:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-n.stopChan:
		return 0, ErrShutdown
	}
	select {
	case res := <-req.done:
		if res.err != nil {
			n.metrics.ProposalErrorsTotal.Add(1)
		}
		return res.index, res.err
	case <-ctx.Done():
		n.metrics.ProposalErrorsTotal.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-n.stopChan:
		return 0, ErrShutdown
	}
}

type readRequest struct {
	done chan error
}

// VerifyRead implements the read-index protocol: it returns nil once this
// node has confirmed leadership with a majority heartbeat round AND applied
// everything committed at the time of the call. A nil return means a
// subsequent local engine read is linearizable.
func (n *Node) VerifyRead(ctx context.Context) error {
	n.metrics.ReadIndexTotal.Add(1)
	req := &readRequest{done: make(chan error, 1)}
	select {
	case n.readChan <- req:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-n.stopChan:
		return ErrShutdown
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-n.stopChan:
		return ErrShutdown
	}
}

// HandleRequestVote is the RPC entry point used by transports.
func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	resp, err := n.dispatchRPC(ctx, &rpcEnvelope{vote: req, done: make(chan any, 1)})
	if err != nil {
		return nil, err
	}
	return resp.(*RequestVoteResponse), nil
}

// HandleAppendEntries is the RPC entry point used by transports.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	resp, err := n.dispatchRPC(ctx, &rpcEnvelope{append: req, done: make(chan any, 1)})
	if err != nil {
		return nil, err
	}
	return resp.(*AppendEntriesResponse), nil
}

// HandleInstallSnapshot is the RPC entry point used by transports.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	resp, err := n.dispatchRPC(ctx, &rpcEnvelope{snapshot: req, done: make(chan any, 1)})
	if err != nil {
		return nil, err
	}
	return resp.(*InstallSnapshotResponse), nil
}

func (n *Node) dispatchRPC(ctx context.Context, env *rpcEnvelope) (any, error) {
	select {
	case n.rpcChan <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopChan:
		return nil, ErrShutdown
	}
	select {
	case resp := <-env.done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopChan:
		return nil, ErrShutdown
	}
}

// run is the event loop. Every protocol state mutation happens here.
func (n *Node) run() {
	defer close(n.doneChan)
	defer n.log.Close()

	n.electionTimer = time.NewTimer(n.randomElectionTimeout())
	defer n.electionTimer.Stop()
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-n.stopChan:
			n.failAllWaiters(ErrShutdown)
			return

		case <-n.electionTimer.C:
			if n.State() != Leader {
				n.startElection()
			}
			n.resetElectionTimer()

		case <-heartbeat.C:
			if n.State() == Leader {
				n.broadcastAppendEntries()
				n.maybeSnapshot()
			}

		case env := <-n.rpcChan:
			switch {
			case env.vote != nil:
				env.done <- n.handleRequestVote(env.vote)
			case env.append != nil:
				env.done <- n.handleAppendEntries(env.append)
			case env.snapshot != nil:
				env.done <- n.handleInstallSnapshot(env.snapshot)
			}

		case req := <-n.proposeChan:
			n.handlePropose(req)

		case req := <-n.readChan:
			n.handleRead(req)

		case msg := <-n.resultChan:
			switch m := msg.(type) {
			case *voteResult:
				n.handleVoteResult(m)
			case *appendResult:
				n.handleAppendResult(m)
			case *snapshotResult:
				n.handleSnapshotResult(m)
			}
		}
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(spread)))
}

func (n *Node) resetElectionTimer() {
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.randomElectionTimeout())
}

func (n *Node) setState(s State) {
	old := State(n.state.Swap(int32(s)))
	if old != s {
		n.logger.Info("State changed.", "from", old.String(), "to", s.String(), "term", n.term)
	}
}

// persistState must succeed before any vote or log response leaves the node.
// A persistence failure here is unrecoverable for safety, so the node stops.
func (n *Node) persistState() {
	err := n.stateStore.Save(PersistentState{
		CurrentTerm:       n.term,
		VotedFor:          n.votedFor,
		LastIncludedIndex: n.lastIncludedIndex,
		LastIncludedTerm:  n.lastIncludedTerm,
	})
	if err != nil {
		n.logger.Error("Failed to persist raft state; shutting down.", "error", err)
		n.stopOnce.Do(func() { close(n.stopChan) })
	}
}

// stepDown transitions to follower for a newer term.
func (n *Node) stepDown(term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.metrics.TermChangesTotal.Add(1)
		n.persistState()
	}
	if n.State() != Follower {
		n.setState(Follower)
		n.failAllWaiters(n.notLeaderError())
	}
}

func (n *Node) failAllWaiters(err error) {
	for index, waiters := range n.waiters {
		for _, w := range waiters {
			w.done <- err
		}
		delete(n.waiters, index)
	}
	for _, r := range n.pendingReads {
		r.done <- err
	}
	n.pendingReads = nil
}

// quorum returns the majority size for the full cluster (peers + self).
func (n *Node) quorum() int {
	return (len(n.peerIDs)+1)/2 + 1
}

// lastLogInfo returns the index and term of the last log entry, falling back
// to the snapshot boundary for an empty log.
func (n *Node) lastLogInfo() (uint64, uint64) {
	if n.log.Len() == 0 {
		return n.lastIncludedIndex, n.lastIncludedTerm
	}
	last, _ := n.log.Entry(n.log.LastIndex())
	return last.Index, last.Term
}

// termAt returns the term of the entry at index, using the snapshot boundary
// when the entry has been compacted away.
func (n *Node) termAt(index uint64) (uint64, bool) {
	if index == n.lastIncludedIndex {
		return n.lastIncludedTerm, true
	}
	if entry, ok := n.log.Entry(index); ok {
		return entry.Term, true
	}
	return 0, false
}

func (n *Node) handlePropose(req *proposeRequest) {
	if n.State() != Leader {
		req.done <- proposeResult{err: n.notLeaderError()}
		return
	}

	index := n.log.LastIndex() + 1
	entry := LogEntry{Index: index, Term: n.term, Command: req.command}
	if err := n.log.Append(entry); err != nil {
		n.logger.Error("Failed to append proposal to log.", "error", err)
		req.done <- proposeResult{err: err}
		return
	}
	n.matchIndex[n.id] = index

	waiter := &proposeWaiter{index: index, term: n.term, done: make(chan error, 1)}
	n.waiters[index] = append(n.waiters[index], waiter)
	go func() {
		err := <-waiter.done
		req.done <- proposeResult{index: index, err: err}
	}()

	n.broadcastAppendEntries()
	// Single-node cluster: the entry commits immediately.
	n.advanceCommitIndex()
}

func (n *Node) handleRead(req *readRequest) {
	if n.State() != Leader {
		req.done <- n.notLeaderError()
		return
	}

	read := &pendingRead{
		readIndex: n.commitIndex,
		term:      n.term,
		round:     n.broadcastRound + 1,
		acks:      map[string]bool{n.id: true},
		done:      req.done,
	}
	n.pendingReads = append(n.pendingReads, read)
	if len(n.peerIDs) == 0 {
		n.resolvePendingReads()
		return
	}
	// Confirm leadership with an immediate heartbeat round.
	n.broadcastAppendEntries()
	n.resolvePendingReads()
}

// resolvePendingReads completes reads that are both leadership-confirmed by
// a majority and covered by lastApplied.
func (n *Node) resolvePendingReads() {
	remaining := n.pendingReads[:0]
	for _, r := range n.pendingReads {
		if r.term != n.term {
			r.done <- n.notLeaderError()
			continue
		}
		if len(r.acks) >= n.quorum() {
			r.confirmed = true
		}
		if r.confirmed && n.lastApplied >= r.readIndex {
			r.done <- nil
			continue
		}
		remaining = append(remaining, r)
	}
	n.pendingReads = remaining
}

// applyCommitted applies entries in strict index order to the state machine.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		next := n.lastApplied + 1
		entry, ok := n.log.Entry(next)
		if !ok {
			n.logger.Error("Committed entry missing from log.", "index", next)
			return
		}
		if err := n.sm.ApplyCommand(entry.Index, entry.Command); err != nil {
			n.logger.Error("State machine apply failed; halting applies.", "index", entry.Index, "error", err)
			return
		}
		n.lastApplied = next
		n.metrics.EntriesAppliedTotal.Add(1)

		// Resolve proposal waiters for this index.
		if waiters, ok := n.waiters[next]; ok {
			for _, w := range waiters {
				if w.term == entry.Term {
					w.done <- nil
				} else {
					// A different leader's entry landed at this index.
					w.done <- n.notLeaderError()
				}
			}
			delete(n.waiters, next)
		}
	}
	n.resolvePendingReads()
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
