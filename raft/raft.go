package raft

//
// this is an outline of the API that raft exposes to
// the service. see comments below for each of these
// functions for more details.
//
// rf, err = Make(cfg, log, stable, transport, sm)
//   create a new Raft node.
// rf.Start()
//   run the role dispatcher in the background.
// rf.Submit(ctx, command) (*ClientResponse, error)
//   replicate a command; answers once it is committed,
//   or redirects the caller when this node is not the leader.
// rf.GetState() (term, isLeader)
//   ask a Raft for its current term, and whether it thinks it is leader.
// rf.Kill()
//   signal shutdown and wait for the dispatcher to return.
//

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// StateMachine consumes committed commands in log order.
type StateMachine[C any] interface {
	Apply(index Index, cmd C) ([]byte, error)
}

// Transport carries outbound RPCs to peers. Implementations must honour ctx.
type Transport[C any] interface {
	AppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest[C]) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, peer NodeID, req *RequestVoteRequest) (*RequestVoteResponse, error)
}

type Config struct {
	ID    NodeID
	Peers []NodeID // all cluster members; ID itself is ignored if present

	ElectionTimeout   time.Duration // lower bound; each timeout is drawn from [ElectionTimeout, 2*ElectionTimeout)
	HeartbeatInterval time.Duration // must be below ElectionTimeout
	RPCTimeout        time.Duration // per outbound call
	MaxAppendEntries  int           // entries per AppendEntries, 0 for no limit

	Logger hclog.Logger
}

func DefaultConfig(id NodeID, peers []NodeID) Config {
	return Config{
		ID:                id,
		Peers:             peers,
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		RPCTimeout:        200 * time.Millisecond,
		MaxAppendEntries:  64,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.ID == None:
		return errors.Wrap(ErrInvalidConfig, "empty node id")
	case c.ElectionTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "election timeout must be positive")
	case c.HeartbeatInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "heartbeat interval must be positive")
	case c.HeartbeatInterval >= c.ElectionTimeout:
		return errors.Wrapf(ErrInvalidConfig, "heartbeat interval %v must be shorter than election timeout %v",
			c.HeartbeatInterval, c.ElectionTimeout)
	case c.RPCTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "rpc timeout must be positive")
	case c.MaxAppendEntries < 0:
		return errors.Wrap(ErrInvalidConfig, "max append entries must not be negative")
	}
	return nil
}

//
// A Go object implementing a single Raft peer.
//
type Raft[C any] struct {
	mu     sync.Mutex // Lock to protect term, vote, role, leader and lastApplied
	id     NodeID
	peers  []NodeID // everyone except id
	cfg    Config
	logger hclog.Logger

	log    Log[C]
	stable StableStore
	trans  Transport[C]
	sm     StateMachine[C]

	// Persistent state on all servers
	currentTerm Term
	votedFor    NodeID

	// Volatile state on all servers
	role        Role
	leaderID    NodeID
	lastApplied Index

	electionTimeout func() time.Duration

	rpcCh    chan *PeerRPC
	clientCh chan *clientCall[C]

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	started      int32
}

// PeerRPC is an inbound peer request paired with a one-shot reply channel.
// Payload is one of *AppendEntriesRequest[C], *RequestVoteRequest,
// *InstallSnapshotRequest or *ConfigRequest.
type PeerRPC struct {
	Payload interface{}
	Resp    chan interface{}
}

func NewPeerRPC(payload interface{}) *PeerRPC {
	return &PeerRPC{
		Payload: payload,
		Resp:    make(chan interface{}, 1),
	}
}

// respond never blocks; a second reply on the same RPC is dropped.
func (r *PeerRPC) respond(resp interface{}) error {
	select {
	case r.Resp <- resp:
		return nil
	default:
		return ErrResponseDropped
	}
}

type clientCall[C any] struct {
	req  ClientRequest[C]
	resp chan *ClientResponse
}

func (c *clientCall[C]) respond(resp *ClientResponse) error {
	select {
	case c.resp <- resp:
		return nil
	default:
		return ErrResponseDropped
	}
}

//
// Make creates a Raft node. A nil log or stable store selects the in-memory
// implementation; sm may be nil when nobody consumes committed entries.
// Term and vote are restored from the stable store, so restarting over the
// same storage resumes where the node stopped.
//
func Make[C any](cfg Config, log Log[C], stable StableStore, trans Transport[C], sm StateMachine[C]) (*Raft[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewMemoryLog[C]()
	}
	if stable == nil {
		stable = NewMemoryStable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	rf := &Raft[C]{
		id:       cfg.ID,
		cfg:      cfg,
		logger:   logger.With("node", string(cfg.ID)),
		log:      log,
		stable:   stable,
		trans:    trans,
		sm:       sm,
		role:     Follower,
		rpcCh:    make(chan *PeerRPC, 64),
		clientCh: make(chan *clientCall[C], 64),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	seen := map[NodeID]bool{cfg.ID: true}
	for _, p := range cfg.Peers {
		if !seen[p] {
			seen[p] = true
			rf.peers = append(rf.peers, p)
		}
	}
	if len(rf.peers) > 0 && trans == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "transport required for a multi-node cluster")
	}

	// initialize from state persisted before a crash
	term, vote, err := stable.TermAndVote()
	if err != nil {
		return nil, errors.Wrap(err, "raft: read persisted state")
	}
	rf.currentTerm = term
	rf.votedFor = vote

	h := fnv.New64a()
	h.Write([]byte(cfg.ID))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	rf.electionTimeout = func() time.Duration {
		return randomTimeout(rng, cfg.ElectionTimeout)
	}

	return rf, nil
}

// Start runs the dispatcher in its own goroutine. Calling it twice is a no-op.
func (rf *Raft[C]) Start() {
	if !atomic.CompareAndSwapInt32(&rf.started, 0, 1) {
		return
	}
	go func() {
		defer close(rf.done)
		rf.Run()
	}()
}

//
// Run drives the role state machine until shutdown: each role loop returns
// when the role changes and the matching loop for the new role is started.
//
func (rf *Raft[C]) Run() {
	rf.logger.Info("raft node running", "term", rf.getCurrentTerm(), "peers", len(rf.peers))
	for {
		switch role := rf.getRole(); role {
		case Follower:
			rf.runFollower()
		case Candidate:
			rf.runCandidate()
		case Leader:
			rf.runLeader()
		case Shutdown:
			rf.logger.Info("raft node stopped")
			return
		default:
			panic("raft: unknown role " + role.String())
		}
	}
}

// Kill signals shutdown and, when the node was started with Start, waits for
// the dispatcher to return.
func (rf *Raft[C]) Kill() {
	rf.shutdownOnce.Do(func() { close(rf.shutdown) })
	if atomic.LoadInt32(&rf.started) == 1 {
		<-rf.done
	}
}

func (rf *Raft[C]) ID() NodeID {
	return rf.id
}

// return currentTerm and whether this server
// believes it is the leader.
func (rf *Raft[C]) GetState() (Term, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm, rf.role == Leader
}

func (rf *Raft[C]) Status() Status {
	rf.mu.Lock()
	s := Status{
		ID:          rf.id,
		Role:        rf.role,
		Term:        rf.currentTerm,
		LeaderID:    rf.leaderID,
		VotedFor:    rf.votedFor,
		LastApplied: rf.lastApplied,
	}
	rf.mu.Unlock()

	if last, err := rf.log.LastIndex(); err == nil {
		s.LastIndex = last
	}
	if commit, err := rf.log.CommitIndex(); err == nil {
		s.CommitIndex = commit
	}
	return s
}

//
// Submit hands a command to the node. On the leader it returns once the
// command is committed and applied; elsewhere it returns a Redirect or
// NoLeaderYet response straight away. A ctx expiring while waiting does not
// withdraw the command, it may still commit.
//
func (rf *Raft[C]) Submit(ctx context.Context, cmd C) (*ClientResponse, error) {
	call := &clientCall[C]{
		req:  ClientRequest[C]{Command: cmd},
		resp: make(chan *ClientResponse, 1),
	}

	select {
	case rf.clientCh <- call:
	case <-ctx.Done():
		return nil, contextError(ctx, "raft: submit")
	case <-rf.shutdown:
		return nil, ErrShutdown
	}

	select {
	case resp := <-call.resp:
		return resp, nil
	case <-ctx.Done():
		return nil, contextError(ctx, "raft: waiting for commit")
	case <-rf.shutdown:
		return nil, ErrShutdown
	}
}

//
// Deliver hands an inbound peer RPC to the active role loop and waits for
// its reply. Transports call this, or one of the typed wrappers below.
//
func (rf *Raft[C]) Deliver(ctx context.Context, rpc *PeerRPC) (interface{}, error) {
	select {
	case rf.rpcCh <- rpc:
	case <-ctx.Done():
		return nil, contextError(ctx, "raft: deliver")
	case <-rf.shutdown:
		return nil, ErrShutdown
	}

	select {
	case resp := <-rpc.Resp:
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, contextError(ctx, "raft: awaiting reply")
	case <-rf.shutdown:
		return nil, ErrShutdown
	}
}

// contextError reports a finished ctx, turning an expired deadline into
// ErrTimeout.
func contextError(ctx context.Context, msg string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ErrTimeout, msg)
	}
	return errors.Wrap(ctx.Err(), msg)
}

func (rf *Raft[C]) getRole() Role {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.role
}

// setRole changes the role unless the node is already shut down.
func (rf *Raft[C]) setRole(role Role) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.role != Shutdown {
		rf.role = role
	}
}

func (rf *Raft[C]) getCurrentTerm() Term {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm
}

func (rf *Raft[C]) knownLeader() NodeID {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.leaderID
}

//
// save Raft's persistent state to stable storage,
// where it can later be retrieved after a crash and restart.
// Should be called when holding lock.
//
func (rf *Raft[C]) persist() error {
	return rf.stable.SetTermAndVote(rf.currentTerm, rf.votedFor)
}

// adoptTerm moves to a newer term with no vote, keeping the old term and
// vote in memory if they cannot be persisted. Must hold rf.mu.
func (rf *Raft[C]) adoptTerm(term Term) error {
	prevTerm, prevVote := rf.currentTerm, rf.votedFor
	rf.currentTerm, rf.votedFor = term, None
	if err := rf.persist(); err != nil {
		rf.currentTerm, rf.votedFor = prevTerm, prevVote
		return err
	}
	return nil
}

// stepDown adopts term if it is newer and reverts to Follower.
func (rf *Raft[C]) stepDown(term Term) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if term > rf.currentTerm {
		if err := rf.adoptTerm(term); err != nil {
			rf.logger.Error("persist term failed", "term", term, "error", err)
		} else {
			rf.leaderID = None
		}
	}
	if rf.role != Shutdown && rf.role != Follower {
		rf.logger.Info("stepping down", "from", rf.role, "term", rf.currentTerm)
		rf.role = Follower
	}
}

// quorum reports whether n nodes, self included, form a strict majority.
func (rf *Raft[C]) quorum(n int) bool {
	return n > (len(rf.peers)+1)/2
}
