package raft

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

//
// InmemNetwork connects nodes living in one process. Nodes can be
// disconnected to simulate partitions: a disconnected node neither sends
// nor receives RPCs.
//
type InmemNetwork[C any] struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Raft[C]
	down  map[NodeID]bool
}

func NewInmemNetwork[C any]() *InmemNetwork[C] {
	return &InmemNetwork[C]{
		nodes: make(map[NodeID]*Raft[C]),
		down:  make(map[NodeID]bool),
	}
}

// Transport returns the outbound side for node id.
func (n *InmemNetwork[C]) Transport(id NodeID) Transport[C] {
	return &inmemTransport[C]{net: n, from: id}
}

func (n *InmemNetwork[C]) Register(rf *Raft[C]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[rf.ID()] = rf
}

func (n *InmemNetwork[C]) Node(id NodeID) (*Raft[C], bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rf, ok := n.nodes[id]
	return rf, ok
}

func (n *InmemNetwork[C]) Nodes() []*Raft[C] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nodes := make([]*Raft[C], 0, len(n.nodes))
	for _, rf := range n.nodes {
		nodes = append(nodes, rf)
	}
	return nodes
}

func (n *InmemNetwork[C]) Disconnect(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *InmemNetwork[C]) Connect(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

func (n *InmemNetwork[C]) Connected(id NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.nodes[id]
	return ok && !n.down[id]
}

// Submit sends a client command to node id, failing if it is disconnected.
func (n *InmemNetwork[C]) Submit(ctx context.Context, id NodeID, cmd C) (*ClientResponse, error) {
	if !n.Connected(id) {
		return nil, errors.Wrapf(ErrUnreachable, "node %s", id)
	}
	rf, _ := n.Node(id)
	return rf.Submit(ctx, cmd)
}

func (n *InmemNetwork[C]) route(from, to NodeID) (*Raft[C], error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return nil, errors.Wrapf(ErrUnreachable, "%s -> %s", from, to)
	}
	rf, ok := n.nodes[to]
	if !ok {
		return nil, errors.Wrapf(ErrUnreachable, "unknown node %s", to)
	}
	return rf, nil
}

type inmemTransport[C any] struct {
	net  *InmemNetwork[C]
	from NodeID
}

func (t *inmemTransport[C]) AppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest[C]) (*AppendEntriesResponse, error) {
	rf, err := t.net.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	// The receiver keeps the entries; give it its own slice.
	cp := *req
	cp.Entries = append([]LogEntry[C](nil), req.Entries...)
	return rf.AppendEntries(ctx, &cp)
}

func (t *inmemTransport[C]) RequestVote(ctx context.Context, peer NodeID, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	rf, err := t.net.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	cp := *req
	return rf.RequestVote(ctx, &cp)
}
