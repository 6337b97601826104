package raft

import "sync"

// StableStore persists the current term and vote. A node writes through it
// before answering any RPC that changed either value.
type StableStore interface {
	SetTermAndVote(term Term, votedFor NodeID) error
	TermAndVote() (Term, NodeID, error)
}

type MemoryStable struct {
	mu       sync.Mutex
	term     Term
	votedFor NodeID
}

func NewMemoryStable() *MemoryStable {
	return &MemoryStable{}
}

func (s *MemoryStable) SetTermAndVote(term Term, votedFor NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term, s.votedFor = term, votedFor
	return nil
}

func (s *MemoryStable) TermAndVote() (Term, NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}
