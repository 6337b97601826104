// Package config loads a node's JSON configuration.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
)

// Duration reads Go duration strings such as "300ms" from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "config: duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "config: bad duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	ID       string            `json:"id"`
	RaftAddr string            `json:"raft_addr"`
	HTTPAddr string            `json:"http_addr"`
	Peers    map[string]string `json:"peers"`    // id -> raft address, self included
	DataDir  string            `json:"data_dir"` // empty keeps everything in memory

	ElectionTimeout   Duration `json:"election_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	RPCTimeout        Duration `json:"rpc_timeout"`
	MaxAppendEntries  int      `json:"max_append_entries"`
	MaxConns          int      `json:"max_conns"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

func Default() *Config {
	rc := raft.DefaultConfig("", nil)
	return &Config{
		HTTPAddr:          ":8080",
		Peers:             map[string]string{},
		ElectionTimeout:   Duration(rc.ElectionTimeout),
		HeartbeatInterval: Duration(rc.HeartbeatInterval),
		RPCTimeout:        Duration(rc.RPCTimeout),
		MaxAppendEntries:  rc.MaxAppendEntries,
		MaxConns:          64,
		LogLevel:          "info",
	}
}

// Load reads fileName over the defaults and validates the result.
func Load(fileName string) (*Config, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("config: id is required")
	}
	if c.RaftAddr == "" {
		return errors.New("config: raft_addr is required")
	}
	if addr, ok := c.Peers[c.ID]; ok && addr != c.RaftAddr {
		return errors.Errorf("config: peers[%s] = %s, but raft_addr is %s", c.ID, addr, c.RaftAddr)
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			return errors.Errorf("config: peer %q has an empty id or address", id)
		}
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return errors.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	rc := c.ToRaft(nil)
	return rc.Validate()
}

// PeerAddrs returns every cluster member's raft address, self included.
func (c *Config) PeerAddrs() map[raft.NodeID]string {
	addrs := map[raft.NodeID]string{raft.NodeID(c.ID): c.RaftAddr}
	for id, addr := range c.Peers {
		addrs[raft.NodeID(id)] = addr
	}
	return addrs
}

func (c *Config) ToRaft(logger hclog.Logger) raft.Config {
	var peers []raft.NodeID
	for id := range c.PeerAddrs() {
		peers = append(peers, id)
	}
	return raft.Config{
		ID:                raft.NodeID(c.ID),
		Peers:             peers,
		ElectionTimeout:   time.Duration(c.ElectionTimeout),
		HeartbeatInterval: time.Duration(c.HeartbeatInterval),
		RPCTimeout:        time.Duration(c.RPCTimeout),
		MaxAppendEntries:  c.MaxAppendEntries,
		Logger:            logger,
	}
}

// Logger builds the root logger from log_level and log_json.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(strings.ToLower(c.LogLevel)),
		JSONFormat: c.LogJSON,
	})
}
