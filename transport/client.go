package transport

import (
	"context"
	"net"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/keegancsmith/rpc"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
)

//
// Client dials peers lazily and keeps one connection per peer. A connection
// is dropped after a transport failure and redialled on the next call.
// It serves both as a raft.Transport and as a command submitter.
//
type Client[C any] struct {
	mu     sync.Mutex
	addrs  map[raft.NodeID]string
	conns  map[raft.NodeID]*rpc.Client
	dialer net.Dialer
	logger hclog.Logger
}

func NewClient[C any](addrs map[raft.NodeID]string, logger hclog.Logger) *Client[C] {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Client[C]{
		addrs:  make(map[raft.NodeID]string, len(addrs)),
		conns:  make(map[raft.NodeID]*rpc.Client),
		logger: logger.Named("client"),
	}
	for id, addr := range addrs {
		c.addrs[id] = addr
	}
	return c
}

// SetPeer adds or moves a peer; an existing connection to it is closed.
func (c *Client[C]) SetPeer(id raft.NodeID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[id] = addr
	if conn, ok := c.conns[id]; ok {
		conn.Close()
		delete(c.conns, id)
	}
}

func (c *Client[C]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
	return nil
}

func (c *Client[C]) AppendEntries(ctx context.Context, peer raft.NodeID, req *raft.AppendEntriesRequest[C]) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	if err := c.call(ctx, peer, "AppendEntries", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client[C]) RequestVote(ctx context.Context, peer raft.NodeID, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	if err := c.call(ctx, peer, "RequestVote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client[C]) InstallSnapshot(ctx context.Context, peer raft.NodeID, req *raft.InstallSnapshotRequest) (*raft.UnsupportedResponse, error) {
	var resp raft.UnsupportedResponse
	if err := c.call(ctx, peer, "InstallSnapshot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, raft.ErrUnsupported
}

func (c *Client[C]) Config(ctx context.Context, peer raft.NodeID, req *raft.ConfigRequest) (*raft.UnsupportedResponse, error) {
	var resp raft.UnsupportedResponse
	if err := c.call(ctx, peer, "Config", req, &resp); err != nil {
		return nil, err
	}
	return &resp, raft.ErrUnsupported
}

// Submit sends cmd to node id as a client request.
func (c *Client[C]) Submit(ctx context.Context, id raft.NodeID, cmd C) (*raft.ClientResponse, error) {
	var resp raft.ClientResponse
	if err := c.call(ctx, id, "Submit", &raft.ClientRequest[C]{Command: cmd}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client[C]) call(ctx context.Context, peer raft.NodeID, method string, args, reply interface{}) error {
	conn, err := c.conn(ctx, peer)
	if err != nil {
		return err
	}

	err = conn.Call(ctx, ServiceName+"."+method, args, reply)
	if err == nil {
		return nil
	}
	if serr, ok := err.(rpc.ServerError); ok {
		return remoteError(serr)
	}
	if ctx.Err() == nil {
		c.logger.Debug("dropping connection", "peer", peer, "error", err)
		c.drop(peer, conn)
	}
	return errors.Wrapf(err, "transport: %s to %s", method, peer)
}

func (c *Client[C]) conn(ctx context.Context, peer raft.NodeID) (*rpc.Client, error) {
	c.mu.Lock()
	if conn, ok := c.conns[peer]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	addr, ok := c.addrs[peer]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(raft.ErrUnreachable, "no address for %s", peer)
	}

	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(raft.ErrUnreachable, "dial %s at %s: %v", peer, addr, err)
	}
	conn := rpc.NewClient(nc)

	c.mu.Lock()
	defer c.mu.Unlock()
	// someone else may have dialled meanwhile
	if existing, ok := c.conns[peer]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[peer] = conn
	return conn, nil
}

func (c *Client[C]) drop(peer raft.NodeID, conn *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[peer] == conn {
		delete(c.conns, peer)
	}
	conn.Close()
}

var knownErrors = []error{
	raft.ErrShutdown,
	raft.ErrUnsupported,
	raft.ErrUnreachable,
	raft.ErrUnknownRPC,
	raft.ErrTimeout,
}

// remoteError maps an error string sent by the server back to the raft
// sentinel it started as, when there is one. Wrapped errors end with the
// sentinel's text.
func remoteError(serr rpc.ServerError) error {
	for _, known := range knownErrors {
		if strings.HasSuffix(string(serr), known.Error()) {
			return known
		}
	}
	return errors.Wrap(serr, "transport: remote")
}
