package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// recordingMachine applies string commands by remembering them.
type recordingMachine struct {
	mu      sync.Mutex
	applied []string
	reject  string // commands equal to reject fail to apply
}

func (m *recordingMachine) Apply(index Index, cmd string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject != "" && cmd == m.reject {
		return nil, fmt.Errorf("rejected %q", cmd)
	}
	m.applied = append(m.applied, cmd)
	return []byte(cmd), nil
}

func (m *recordingMachine) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

func testConfig(id NodeID, peers []NodeID) Config {
	return Config{
		ID:                id,
		Peers:             peers,
		ElectionTimeout:   60 * time.Millisecond,
		HeartbeatInterval: 15 * time.Millisecond,
		RPCTimeout:        40 * time.Millisecond,
		MaxAppendEntries:  16,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "raft-test",
			Level: hclog.Off,
		}),
	}
}

// newTestNode builds a node that is never started; tests drive its handlers directly.
func newTestNode(t *testing.T, id NodeID, peers []NodeID) (*Raft[string], *MemoryLog[string], *MemoryStable) {
	t.Helper()
	log := NewMemoryLog[string]()
	stable := NewMemoryStable()
	net := NewInmemNetwork[string]()
	rf, err := Make[string](testConfig(id, peers), log, stable, net.Transport(id), &recordingMachine{})
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	return rf, log, stable
}

// deliver runs an RPC through the shared handler and returns the reply.
func deliver(t *testing.T, rf *Raft[string], payload interface{}) interface{} {
	t.Helper()
	rpc := NewPeerRPC(payload)
	rf.handlePeerRPC(rpc)
	select {
	case resp := <-rpc.Resp:
		return resp
	default:
		t.Fatalf("no reply for %T", payload)
		return nil
	}
}

func entries(terms ...Term) []LogEntry[string] {
	out := make([]LogEntry[string], len(terms))
	for i, term := range terms {
		out[i] = LogEntry[string]{Term: term, Command: fmt.Sprintf("cmd-%d", i+1)}
	}
	return out
}

type testCluster struct {
	t        *testing.T
	net      *InmemNetwork[string]
	ids      []NodeID
	nodes    map[NodeID]*Raft[string]
	logs     map[NodeID]*MemoryLog[string]
	stables  map[NodeID]*MemoryStable
	machines map[NodeID]*recordingMachine
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{
		t:        t,
		net:      NewInmemNetwork[string](),
		nodes:    make(map[NodeID]*Raft[string]),
		logs:     make(map[NodeID]*MemoryLog[string]),
		stables:  make(map[NodeID]*MemoryStable),
		machines: make(map[NodeID]*recordingMachine),
	}
	for i := 0; i < n; i++ {
		c.ids = append(c.ids, NodeID(string(rune('A'+i))))
	}
	for _, id := range c.ids {
		c.logs[id] = NewMemoryLog[string]()
		c.stables[id] = NewMemoryStable()
		c.start(id)
	}
	t.Cleanup(c.shutdown)
	return c
}

func (c *testCluster) start(id NodeID) {
	c.t.Helper()
	c.machines[id] = &recordingMachine{}
	rf, err := Make[string](testConfig(id, c.ids), c.logs[id], c.stables[id], c.net.Transport(id), c.machines[id])
	if err != nil {
		c.t.Fatalf("Make(%s) failed: %v", id, err)
	}
	c.nodes[id] = rf
	c.net.Register(rf)
	rf.Start()
}

// restart stops id and brings it back over the same log and stable store.
func (c *testCluster) restart(id NodeID) {
	c.t.Helper()
	c.nodes[id].Kill()
	c.start(id)
}

func (c *testCluster) shutdown() {
	for _, rf := range c.nodes {
		rf.Kill()
	}
}

// waitForLeader polls until exactly one connected node leads, and returns it.
func (c *testCluster) waitForLeader(timeout time.Duration) NodeID {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leaders := map[Term][]NodeID{}
		var top Term
		for _, id := range c.ids {
			if !c.net.Connected(id) {
				continue
			}
			if term, isLeader := c.nodes[id].GetState(); isLeader {
				leaders[term] = append(leaders[term], id)
				if term > top {
					top = term
				}
			}
		}
		for term, ids := range leaders {
			if len(ids) > 1 {
				c.t.Fatalf("term %d has %d leaders: %v", term, len(ids), ids)
			}
		}
		if ids := leaders[top]; len(ids) == 1 {
			return ids[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within %v", timeout)
	return None
}

// submit retries a command until some connected node commits it.
func (c *testCluster) submit(cmd string, timeout time.Duration) *ClientResponse {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.waitForLeader(timeout)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		resp, err := c.net.Submit(ctx, leader, cmd)
		cancel()
		if err == nil && resp.Success {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("command %q not committed within %v", cmd, timeout)
	return nil
}

// waitApplied polls until every listed node applied want, in order.
func (c *testCluster) waitApplied(ids []NodeID, want []string, timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, id := range ids {
			if fmt.Sprint(c.machines[id].Applied()) != fmt.Sprint(want) {
				done = false
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			for _, id := range ids {
				c.t.Errorf("node %s applied %v", id, c.machines[id].Applied())
			}
			c.t.Fatalf("want %v applied everywhere within %v", want, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
