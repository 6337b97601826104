package main

import (
	"sort"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/oopDaniel/raftkv/config"
	"github.com/oopDaniel/raftkv/kv"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/oopDaniel/raftkv/storage"
	"github.com/oopDaniel/raftkv/transport"
	"github.com/pkg/errors"
)

// Cluster is what the gateway needs from the nodes behind it.
type Cluster interface {
	Machines() []string
	Alive(id string) bool
	SetAlive(id string, alive bool) error
	Statuses() []raft.Status
	Submitter() kv.Submitter
	Close()
}

var errNotManaged = errors.New("machine cannot be toggled from this gateway")

// demoCluster runs every node in this process over an in-memory network.
type demoCluster struct {
	ids   []string
	net   *raft.InmemNetwork[kv.Op]
	nodes []*raft.Raft[kv.Op]
}

func newDemoCluster(n int, logger hclog.Logger) (*demoCluster, error) {
	if n < 1 || n > 26 {
		return nil, errors.Errorf("demo cluster size %d out of range [1, 26]", n)
	}
	c := &demoCluster{net: raft.NewInmemNetwork[kv.Op]()}

	var peers []raft.NodeID
	for i := 0; i < n; i++ {
		id := string(rune('A' + i))
		c.ids = append(c.ids, id)
		peers = append(peers, raft.NodeID(id))
	}

	for _, id := range peers {
		cfg := raft.DefaultConfig(id, peers)
		cfg.Logger = logger.Named("raft")
		rf, err := raft.Make[kv.Op](cfg, nil, nil, c.net.Transport(id), kv.NewStore())
		if err != nil {
			c.Close()
			return nil, err
		}
		c.net.Register(rf)
		c.nodes = append(c.nodes, rf)
		rf.Start()
	}
	return c, nil
}

func (c *demoCluster) Machines() []string {
	return append([]string(nil), c.ids...)
}

func (c *demoCluster) Alive(id string) bool {
	return c.net.Connected(raft.NodeID(id))
}

func (c *demoCluster) SetAlive(id string, alive bool) error {
	if _, ok := c.net.Node(raft.NodeID(id)); !ok {
		return errors.Errorf("unknown machine %s", id)
	}
	if alive {
		c.net.Connect(raft.NodeID(id))
	} else {
		c.net.Disconnect(raft.NodeID(id))
	}
	return nil
}

func (c *demoCluster) Statuses() []raft.Status {
	statuses := make([]raft.Status, 0, len(c.nodes))
	for _, rf := range c.nodes {
		statuses = append(statuses, rf.Status())
	}
	return statuses
}

func (c *demoCluster) Submitter() kv.Submitter {
	return c.net
}

func (c *demoCluster) Close() {
	for _, rf := range c.nodes {
		rf.Kill()
	}
}

// nodeCluster is one networked node; its peers run in other processes.
type nodeCluster struct {
	cfg    *config.Config
	node   *raft.Raft[kv.Op]
	db     *storage.DB
	server *transport.Server[kv.Op]
	client *transport.Client[kv.Op]
}

func newNodeCluster(cfg *config.Config, logger hclog.Logger) (*nodeCluster, error) {
	var db *storage.DB
	var err error
	if cfg.DataDir == "" {
		db, err = storage.OpenMem()
	} else {
		db, err = storage.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}

	log, err := storage.NewLog[kv.Op](db)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &nodeCluster{
		cfg:    cfg,
		db:     db,
		client: transport.NewClient[kv.Op](cfg.PeerAddrs(), logger),
	}
	c.node, err = raft.Make[kv.Op](cfg.ToRaft(logger.Named("raft")), log, storage.NewStable(db), c.client, kv.NewStore())
	if err != nil {
		db.Close()
		return nil, err
	}

	if c.server, err = transport.NewServer[kv.Op](c.node, logger); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.server.Listen(cfg.RaftAddr, cfg.MaxConns); err != nil {
		db.Close()
		return nil, err
	}
	c.node.Start()
	return c, nil
}

func (c *nodeCluster) Machines() []string {
	var ids []string
	for id := range c.cfg.PeerAddrs() {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
}

// Alive only knows about this node; peers are reported alive.
func (c *nodeCluster) Alive(id string) bool {
	_, ok := c.cfg.PeerAddrs()[raft.NodeID(id)]
	return ok
}

func (c *nodeCluster) SetAlive(id string, alive bool) error {
	return errors.Wrapf(errNotManaged, "machine %s", id)
}

func (c *nodeCluster) Statuses() []raft.Status {
	return []raft.Status{c.node.Status()}
}

func (c *nodeCluster) Submitter() kv.Submitter {
	return c.client
}

func (c *nodeCluster) Close() {
	c.server.Close()
	c.node.Kill()
	c.client.Close()
	c.db.Close()
}
