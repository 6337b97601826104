package kv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
)

const (
	RequestTimeout = 150 * time.Millisecond // pause between rounds of retries
	ApplyTimeout   = 2 * time.Second        // bound on a single attempt
)

// Submitter delivers an op to one node. *raft.InmemNetwork[Op] and
// *transport.Client[Op] both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, id raft.NodeID, op Op) (*raft.ClientResponse, error)
}

type Clerk struct {
	mu      sync.Mutex // one op at a time, so Seq order is apply order
	sub     Submitter
	servers []raft.NodeID
	logger  hclog.Logger

	id         string
	lastLeader int    // last known leader
	seq        uint64 // unique serial numbers to every command for linearizability
}

func MakeClerk(sub Submitter, servers []raft.NodeID, logger hclog.Logger) *Clerk {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ck := &Clerk{
		sub:     sub,
		servers: append([]raft.NodeID(nil), servers...),
		id:      uuid.NewString(),
	}
	ck.logger = logger.Named("clerk").With("client", ck.id)
	return ck
}

func (ck *Clerk) ID() string {
	return ck.id
}

//
// fetch the current value for a key.
// returns ErrNoKey if the key does not exist.
// keeps trying until ctx is done in the face of all other errors.
//
func (ck *Clerk) Get(ctx context.Context, key string) (string, error) {
	value, err := ck.do(ctx, Op{Kind: GET, Key: key})
	return string(value), err
}

func (ck *Clerk) Put(ctx context.Context, key, value string) error {
	_, err := ck.do(ctx, Op{Kind: PUT, Key: key, Value: value})
	return err
}

func (ck *Clerk) Append(ctx context.Context, key, value string) error {
	_, err := ck.do(ctx, Op{Kind: APPEND, Key: key, Value: value})
	return err
}

func (ck *Clerk) Delete(ctx context.Context, key string) error {
	_, err := ck.do(ctx, Op{Kind: DELETE, Key: key})
	return err
}

func (ck *Clerk) do(ctx context.Context, op Op) ([]byte, error) {
	if len(ck.servers) == 0 {
		return nil, errors.Wrap(raft.ErrUnreachable, "kv: no servers")
	}

	ck.mu.Lock()
	defer ck.mu.Unlock()

	ck.seq++
	op.ClientID = ck.id
	op.Seq = ck.seq

	redirects := 0
	for {
		server := ck.servers[ck.lastLeader]
		attempt, cancel := context.WithTimeout(ctx, ApplyTimeout)
		resp, err := ck.sub.Submit(attempt, server, op)
		cancel()

		switch {
		case err != nil:
			ck.logger.Debug("submit failed", "server", server, "op", op.Kind, "error", err)
			ck.rotate()
		case resp.Success:
			return resp.Payload, nil
		case resp.Reason == raft.ClientApplyFailed:
			if resp.Error == ErrNoKey.Error() {
				return nil, ErrNoKey
			}
			return nil, errors.Errorf("kv: %s failed: %s", op.Kind, resp.Error)
		case resp.Reason == raft.ClientRedirect && ck.follow(resp.LeaderID):
			// Hints are tried straight away, a bounded number of times per round
			if redirects < len(ck.servers) {
				redirects++
				continue
			}
		default:
			ck.logger.Debug("no leader", "server", server, "reason", resp.Reason)
			ck.rotate()
		}

		redirects = 0
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "kv: %s %q", op.Kind, op.Key)
		case <-time.After(RequestTimeout):
		}
	}
}

func (ck *Clerk) rotate() {
	ck.lastLeader = (ck.lastLeader + 1) % len(ck.servers)
}

// follow points lastLeader at leader if it is one of our servers.
func (ck *Clerk) follow(leader raft.NodeID) bool {
	for i, id := range ck.servers {
		if id == leader {
			ck.lastLeader = i
			return true
		}
	}
	return false
}
