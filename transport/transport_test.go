package transport

import (
	"context"
	"testing"
	"time"

	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
)

var _ raft.Transport[string] = (*Client[string])(nil)

type echoMachine struct{}

func (echoMachine) Apply(index raft.Index, cmd string) ([]byte, error) {
	return []byte(cmd), nil
}

type tcpCluster struct {
	nodes   map[raft.NodeID]*raft.Raft[string]
	servers map[raft.NodeID]*Server[string]
	clients map[raft.NodeID]*Client[string]
}

func newTCPCluster(t *testing.T, ids ...raft.NodeID) *tcpCluster {
	t.Helper()
	c := &tcpCluster{
		nodes:   map[raft.NodeID]*raft.Raft[string]{},
		servers: map[raft.NodeID]*Server[string]{},
		clients: map[raft.NodeID]*Client[string]{},
	}

	for _, id := range ids {
		cfg := raft.DefaultConfig(id, ids)
		cfg.ElectionTimeout = 150 * time.Millisecond
		cfg.HeartbeatInterval = 30 * time.Millisecond
		cfg.RPCTimeout = 100 * time.Millisecond

		client := NewClient[string](nil, nil)
		rf, err := raft.Make[string](cfg, nil, nil, client, echoMachine{})
		if err != nil {
			t.Fatalf("Make failed: %v", err)
		}
		srv, err := NewServer[string](rf, nil)
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if err := srv.Listen("127.0.0.1:0", 16); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		c.nodes[id], c.servers[id], c.clients[id] = rf, srv, client
	}

	for _, client := range c.clients {
		for id, srv := range c.servers {
			client.SetPeer(id, srv.Addr().String())
		}
	}
	for _, rf := range c.nodes {
		rf.Start()
	}

	t.Cleanup(func() {
		for id := range c.nodes {
			c.nodes[id].Kill()
			c.servers[id].Close()
			c.clients[id].Close()
		}
	})
	return c
}

func (c *tcpCluster) waitForLeader(t *testing.T) raft.NodeID {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for id, rf := range c.nodes {
			if _, isLeader := rf.GetState(); isLeader {
				return id
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no leader elected")
	return raft.None
}

func TestClusterOverTCP(t *testing.T) {
	c := newTCPCluster(t, "A", "B", "C")
	leader := c.waitForLeader(t)

	client := NewClient[string](nil, nil)
	defer client.Close()
	for id, srv := range c.servers {
		client.SetPeer(id, srv.Addr().String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Submit(ctx, leader, "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !resp.Success || string(resp.Payload) != "hello" {
		t.Errorf("reply = %+v", resp)
	}

	for id := range c.nodes {
		if id == leader {
			continue
		}
		resp, err := client.Submit(ctx, id, "x")
		if err != nil {
			t.Fatalf("Submit to follower failed: %v", err)
		}
		if resp.Reason != raft.ClientRedirect || resp.LeaderID != leader {
			t.Errorf("follower %s replied %+v, want Redirect to %s", id, resp, leader)
		}
	}
}

func TestUnsupportedOverTCP(t *testing.T) {
	c := newTCPCluster(t, "solo")
	client := NewClient[string](map[raft.NodeID]string{"solo": c.servers["solo"].Addr().String()}, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.InstallSnapshot(ctx, "solo", &raft.InstallSnapshotRequest{Term: 1})
	if err != raft.ErrUnsupported {
		t.Fatalf("InstallSnapshot error = %v, want ErrUnsupported", err)
	}
	if resp.Reason != raft.AppendUnsupported || resp.ID != "solo" {
		t.Errorf("reply = %+v", resp)
	}

	if _, err := client.Config(ctx, "solo", &raft.ConfigRequest{Term: 1}); err != raft.ErrUnsupported {
		t.Errorf("Config error = %v, want ErrUnsupported", err)
	}
}

func TestUnknownPeer(t *testing.T) {
	client := NewClient[string](nil, nil)
	_, err := client.RequestVote(context.Background(), "nobody", &raft.RequestVoteRequest{Term: 1})
	if errors.Cause(err) != raft.ErrUnreachable {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestDialFailure(t *testing.T) {
	// nothing listens on a port we just released
	srv, err := NewServer[string](nil, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0", 0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := srv.Addr().String()
	srv.Close()

	client := NewClient[string](map[raft.NodeID]string{"gone": addr}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.AppendEntries(ctx, "gone", &raft.AppendEntriesRequest[string]{Term: 1}); errors.Cause(err) != raft.ErrUnreachable {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}
