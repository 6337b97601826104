package raft

import (
	"context"
	"time"
)

//
// runCandidate runs one election. It returns when the node wins, learns of
// a legitimate leader or newer term, or times out; in the last case the
// role is still Candidate and the dispatcher starts a fresh election.
//
func (rf *Raft[C]) runCandidate() {
	rf.mu.Lock()
	if rf.role != Candidate {
		rf.mu.Unlock()
		return
	}
	prevTerm, prevVote := rf.currentTerm, rf.votedFor
	rf.currentTerm++
	rf.votedFor = rf.id
	rf.leaderID = None
	term := rf.currentTerm
	err := rf.persist()
	if err != nil {
		rf.currentTerm, rf.votedFor = prevTerm, prevVote
	}
	rf.mu.Unlock()

	if err != nil {
		rf.logger.Error("persist vote failed, abandoning election", "term", term, "error", err)
		rf.setRole(Follower)
		return
	}

	lastIndex, lastTerm, err := lastLogInfo(rf.log)
	if err != nil {
		rf.logger.Error("read log failed, abandoning election", "term", term, "error", err)
		rf.setRole(Follower)
		return
	}
	rf.logger.Info("starting election", "term", term, "last_index", lastIndex, "last_term", lastTerm)

	votes := 1
	if rf.quorum(votes) {
		rf.becomeLeader(term)
		return
	}

	timer := time.NewTimer(rf.electionTimeout())
	defer timer.Stop()

	// done releases vote collectors once this election is over
	done := make(chan struct{})
	defer close(done)

	votesCh := make(chan *RequestVoteResponse, len(rf.peers))
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  rf.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range rf.peers {
		go rf.requestVote(peer, req, votesCh, done)
	}

	for {
		select {
		case <-rf.shutdown:
			rf.setRole(Shutdown)
			return

		case <-timer.C:
			rf.logger.Info("election timed out", "term", term, "votes", votes)
			return

		case rpc := <-rf.rpcCh:
			if _, err := rf.handlePeerRPC(rpc); err != nil {
				rf.logger.Warn("peer rpc failed", "error", err)
			}
			if rf.getRole() != Candidate {
				return
			}

		case call := <-rf.clientCh:
			if err := call.respond(&ClientResponse{Reason: ClientNoLeaderYet}); err != nil {
				rf.logger.Warn("could not answer client", "error", err)
			}

		case resp := <-votesCh:
			if resp.Term > term {
				rf.logger.Info("newer term in vote response", "term", resp.Term, "from", resp.ID)
				rf.stepDown(resp.Term)
				return
			}
			if resp.VoteGranted && resp.Term == term {
				votes++
				rf.logger.Debug("vote received", "from", resp.ID, "votes", votes)
				if rf.quorum(votes) {
					rf.becomeLeader(term)
					return
				}
			}
		}
	}
}

func (rf *Raft[C]) requestVote(peer NodeID, req *RequestVoteRequest, out chan<- *RequestVoteResponse, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), rf.cfg.RPCTimeout)
	defer cancel()

	resp, err := rf.trans.RequestVote(ctx, peer, req)
	if err != nil {
		rf.logger.Debug("request vote failed", "peer", peer, "error", err)
		return
	}
	select {
	case out <- resp:
	case <-done:
	}
}

func (rf *Raft[C]) becomeLeader(term Term) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.role != Candidate || rf.currentTerm != term {
		return
	}
	rf.role = Leader
	rf.leaderID = rf.id
	rf.logger.Info("won election", "term", term)
}
