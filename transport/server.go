// Package transport carries peer and client RPCs between nodes over TCP.
package transport

import (
	"context"
	"net"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/keegancsmith/rpc"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

// ServiceName is the rpc service every node registers.
const ServiceName = "Raft"

type Server[C any] struct {
	rpc    *rpc.Server
	lis    net.Listener
	logger hclog.Logger
}

// NewServer exposes node under ServiceName.
func NewServer[C any](node *raft.Raft[C], logger hclog.Logger) (*Server[C], error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server[C]{
		rpc:    rpc.NewServer(),
		logger: logger.Named("transport"),
	}
	if err := s.rpc.RegisterName(ServiceName, &service[C]{node: node}); err != nil {
		return nil, errors.Wrap(err, "transport: register service")
	}
	return s, nil
}

// Listen accepts connections on addr in the background. maxConns > 0 caps
// the number of simultaneous connections.
func (s *Server[C]) Listen(addr string, maxConns int) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "transport: listen %s", addr)
	}
	if maxConns > 0 {
		lis = netutil.LimitListener(lis, maxConns)
	}
	s.lis = lis
	s.logger.Info("listening", "addr", lis.Addr().String(), "max_conns", maxConns)

	go s.rpc.Accept(lis)
	return nil
}

func (s *Server[C]) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server[C]) Close() error {
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

// service is what the rpc package sees. Each method hands the request to
// the node with the caller's context.
type service[C any] struct {
	node *raft.Raft[C]
}

func (s *service[C]) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest[C], resp *raft.AppendEntriesResponse) error {
	r, err := s.node.AppendEntries(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *service[C]) RequestVote(ctx context.Context, req *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	r, err := s.node.RequestVote(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

// InstallSnapshot replies with the node's UnsupportedResponse; the client
// turns it back into raft.ErrUnsupported.
func (s *service[C]) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest, resp *raft.UnsupportedResponse) error {
	r, err := s.node.InstallSnapshot(ctx, req)
	if r == nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *service[C]) Config(ctx context.Context, req *raft.ConfigRequest, resp *raft.UnsupportedResponse) error {
	r, err := s.node.Config(ctx, req)
	if r == nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *service[C]) Submit(ctx context.Context, req *raft.ClientRequest[C], resp *raft.ClientResponse) error {
	r, err := s.node.Submit(ctx, req.Command)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}
