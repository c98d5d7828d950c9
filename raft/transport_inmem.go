package raft

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryTransport delivers RPCs between nodes registered in a shared
// registry. Links can be severed per node pair to simulate partitions.
// Used by tests and single-process clusters.
type InMemoryTransport struct {
	localID  string
	registry *InMemoryRegistry
}

// InMemoryRegistry is the shared node directory for a set of in-memory
// transports.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	severed map[[2]string]bool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		nodes:   make(map[string]*Node),
		severed: make(map[[2]string]bool),
	}
}

// Transport returns the transport a node with the given ID should use.
// The node itself is attached after construction via Attach.
func (r *InMemoryRegistry) Transport(id string) *InMemoryTransport {
	return &InMemoryTransport{localID: id, registry: r}
}

// Attach makes a node reachable by its peers.
func (r *InMemoryRegistry) Attach(id string, node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = node
}

// Sever cuts the link between two nodes in both directions.
func (r *InMemoryRegistry) Sever(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.severed[[2]string{a, b}] = true
	r.severed[[2]string{b, a}] = true
}

// Heal restores the link between two nodes.
func (r *InMemoryRegistry) Heal(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.severed, [2]string{a, b})
	delete(r.severed, [2]string{b, a})
}

// Isolate severs every link touching the given node.
func (r *InMemoryRegistry) Isolate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for other := range r.nodes {
		if other == id {
			continue
		}
		r.severed[[2]string{id, other}] = true
		r.severed[[2]string{other, id}] = true
	}
}

// HealAll restores every link.
func (r *InMemoryRegistry) HealAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.severed = make(map[[2]string]bool)
}

func (r *InMemoryRegistry) lookup(from, to string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.severed[[2]string{from, to}] {
		return nil, fmt.Errorf("link %s -> %s is partitioned", from, to)
	}
	node, ok := r.nodes[to]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", to)
	}
	return node, nil
}

var _ Transport = (*InMemoryTransport)(nil)

func (t *InMemoryTransport) SendRequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	node, err := t.registry.lookup(t.localID, peerID)
	if err != nil {
		return nil, err
	}
	return node.HandleRequestVote(ctx, req)
}

func (t *InMemoryTransport) SendAppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	node, err := t.registry.lookup(t.localID, peerID)
	if err != nil {
		return nil, err
	}
	return node.HandleAppendEntries(ctx, req)
}

func (t *InMemoryTransport) SendInstallSnapshot(ctx context.Context, peerID string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	node, err := t.registry.lookup(t.localID, peerID)
	if err != nil {
		return nil, err
	}
	return node.HandleInstallSnapshot(ctx, req)
}
