package raft

import (
	"context"
	"time"
)

// replication is the outcome of one AppendEntries call to a follower.
type replication[C any] struct {
	peer NodeID
	req  *AppendEntriesRequest[C]
	resp *AppendEntriesResponse
	err  error
}

// leaderState lives for a single term of leadership.
type leaderState[C any] struct {
	term Term

	// Volatile state on leaders, reinitialized after election
	nextIndex  map[NodeID]Index // index of the next log entry to send to that server
	matchIndex map[NodeID]Index // highest log entry known to be replicated on server

	inflight map[NodeID]bool          // at most one AppendEntries per follower
	pending  map[Index]*clientCall[C] // clients waiting for their entry to commit
	results  chan replication[C]
	done     chan struct{}
}

func (rf *Raft[C]) runLeader() {
	term := rf.getCurrentTerm()
	last, err := rf.log.LastIndex()
	if err != nil {
		rf.logger.Error("read log failed, giving up leadership", "error", err)
		rf.setRole(Follower)
		return
	}

	l := &leaderState[C]{
		term:       term,
		nextIndex:  make(map[NodeID]Index, len(rf.peers)),
		matchIndex: make(map[NodeID]Index, len(rf.peers)),
		inflight:   make(map[NodeID]bool, len(rf.peers)),
		pending:    make(map[Index]*clientCall[C]),
		results:    make(chan replication[C], len(rf.peers)),
		done:       make(chan struct{}),
	}
	defer close(l.done)
	for _, peer := range rf.peers {
		l.nextIndex[peer] = last + 1
		l.matchIndex[peer] = 0
	}

	// Entries of earlier terms only commit through one of our own
	if err := rf.log.AppendEntries([]LogEntry[C]{{Term: term, Type: EntryNoop}}); err != nil {
		rf.logger.Error("append no-op failed, giving up leadership", "error", err)
		rf.setRole(Follower)
		return
	}

	ticker := time.NewTicker(rf.cfg.HeartbeatInterval)
	defer ticker.Stop()

	rf.advanceCommit(l)
	rf.broadcast(l)

	for {
		select {
		case <-rf.shutdown:
			rf.failAll(l, ClientShuttingDown, None)
			rf.setRole(Shutdown)
			return

		case <-ticker.C:
			rf.broadcast(l)

		case rpc := <-rf.rpcCh:
			if _, err := rf.handlePeerRPC(rpc); err != nil {
				rf.logger.Warn("peer rpc failed", "error", err)
			}

		case call := <-rf.clientCh:
			rf.appendCommand(l, call)

		case r := <-l.results:
			rf.handleReplication(l, r)
		}

		if rf.getRole() != Leader {
			rf.failAll(l, ClientLeadershipLost, rf.knownLeader())
			return
		}
	}
}

func (rf *Raft[C]) appendCommand(l *leaderState[C], call *clientCall[C]) {
	entry := LogEntry[C]{Term: l.term, Type: EntryCommand, Command: call.req.Command}
	if err := rf.log.AppendEntries([]LogEntry[C]{entry}); err != nil {
		rf.logger.Error("append command failed", "error", err)
		rf.answerClient(call, &ClientResponse{Reason: ClientApplyFailed, Error: err.Error()})
		return
	}
	index, err := rf.log.LastIndex()
	if err != nil {
		rf.logger.Error("read last index failed", "error", err)
		rf.answerClient(call, &ClientResponse{Reason: ClientApplyFailed, Error: err.Error()})
		return
	}
	l.pending[index] = call
	rf.logger.Debug("appended command", "index", index, "term", l.term)

	rf.advanceCommit(l)
	rf.broadcast(l)
}

// broadcast sends AppendEntries to every follower without a call in flight.
func (rf *Raft[C]) broadcast(l *leaderState[C]) {
	for _, peer := range rf.peers {
		rf.sendAppend(l, peer)
	}
}

func (rf *Raft[C]) sendAppend(l *leaderState[C], peer NodeID) {
	if l.inflight[peer] {
		return
	}

	next := l.nextIndex[peer]
	prev := next - 1
	prevTerm, err := termAt(rf.log, prev)
	if err != nil {
		rf.logger.Error("read prev entry failed", "peer", peer, "index", prev, "error", err)
		return
	}
	entries, err := entriesFrom(rf.log, next, rf.cfg.MaxAppendEntries)
	if err != nil {
		rf.logger.Error("read entries failed", "peer", peer, "from", next, "error", err)
		return
	}
	commit, err := rf.log.CommitIndex()
	if err != nil {
		rf.logger.Error("read commit index failed", "error", err)
		return
	}

	req := &AppendEntriesRequest[C]{
		Term:            l.term,
		LeaderID:        rf.id,
		PrevLogIndex:    prev,
		PrevLogTerm:     prevTerm,
		Entries:         entries,
		LastCommitIndex: commit,
	}
	l.inflight[peer] = true
	go rf.replicate(peer, req, l.results, l.done)
}

func (rf *Raft[C]) replicate(peer NodeID, req *AppendEntriesRequest[C], out chan<- replication[C], done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), rf.cfg.RPCTimeout)
	defer cancel()

	resp, err := rf.trans.AppendEntries(ctx, peer, req)
	select {
	case out <- replication[C]{peer: peer, req: req, resp: resp, err: err}:
	case <-done:
	}
}

func (rf *Raft[C]) handleReplication(l *leaderState[C], r replication[C]) {
	l.inflight[r.peer] = false
	if r.err != nil {
		rf.logger.Debug("append entries failed", "peer", r.peer, "error", r.err)
		return
	}

	resp := r.resp
	if resp.Term > l.term {
		rf.logger.Info("newer term in append response", "term", resp.Term, "from", r.peer)
		rf.stepDown(resp.Term)
		return
	}

	if resp.Success {
		matched := r.req.PrevLogIndex + Index(len(r.req.Entries))
		l.matchIndex[r.peer] = maxIndex(l.matchIndex[r.peer], matched)
		l.nextIndex[r.peer] = l.matchIndex[r.peer] + 1
		rf.advanceCommit(l)

		// Keep streaming while the follower is behind
		if last, err := rf.log.LastIndex(); err == nil && l.nextIndex[r.peer] <= last {
			rf.sendAppend(l, r.peer)
		}
		return
	}

	switch resp.Reason {
	case AppendLogDoesNotExist, AppendLogTermMismatch:
		// Step back from the request's nextIndex, jumping to the follower's
		// end when it is shorter. Retried on the next heartbeat.
		next := r.req.PrevLogIndex
		if resp.LastIndex+1 < next {
			next = resp.LastIndex + 1
		}
		if next < 1 {
			next = 1
		}
		if next < l.nextIndex[r.peer] {
			l.nextIndex[r.peer] = next
		}
		rf.logger.Debug("follower log diverges", "peer", r.peer, "reason", resp.Reason, "next_index", l.nextIndex[r.peer])
	default:
		rf.logger.Warn("append entries rejected", "peer", r.peer, "reason", resp.Reason)
	}
}

//
// advanceCommit commits the highest index stored on a majority, provided
// its entry is from the current term, then applies and answers clients.
//
func (rf *Raft[C]) advanceCommit(l *leaderState[C]) {
	commit, err := rf.log.CommitIndex()
	if err != nil {
		rf.logger.Error("read commit index failed", "error", err)
		return
	}
	last, err := rf.log.LastIndex()
	if err != nil {
		rf.logger.Error("read last index failed", "error", err)
		return
	}

	newCommit := commit
	for n := last; n > commit; n-- {
		t, err := termAt(rf.log, n)
		if err != nil {
			rf.logger.Error("read entry failed", "index", n, "error", err)
			return
		}
		// Terms only grow along the log, so nothing further back qualifies
		if t != l.term {
			break
		}
		count := 1
		for _, match := range l.matchIndex {
			if match >= n {
				count++
			}
		}
		if rf.quorum(count) {
			newCommit = n
			break
		}
	}
	if newCommit == commit {
		return
	}

	if err := rf.log.SetCommitIndex(newCommit); err != nil {
		rf.logger.Error("set commit index failed", "index", newCommit, "error", err)
		return
	}
	rf.logger.Debug("commit index advanced", "from", commit, "to", newCommit)

	results, err := rf.applyCommitted()
	if err != nil {
		rf.logger.Error("apply committed entries failed", "error", err)
	}
	for _, res := range results {
		call, ok := l.pending[res.index]
		if !ok {
			continue
		}
		delete(l.pending, res.index)

		resp := &ClientResponse{Success: true, Reason: ClientOk, LeaderID: rf.id, Index: res.index, Payload: res.payload}
		if res.err != nil {
			resp = &ClientResponse{Reason: ClientApplyFailed, LeaderID: rf.id, Index: res.index, Error: res.err.Error()}
		}
		rf.answerClient(call, resp)
	}
}

// failAll answers every waiting client once leadership ends.
func (rf *Raft[C]) failAll(l *leaderState[C], reason ClientResponseReason, leader NodeID) {
	for index, call := range l.pending {
		rf.answerClient(call, &ClientResponse{Reason: reason, LeaderID: leader, Index: index})
		delete(l.pending, index)
	}
}

func (rf *Raft[C]) answerClient(call *clientCall[C], resp *ClientResponse) {
	if err := call.respond(resp); err != nil {
		rf.logger.Warn("could not answer client", "index", resp.Index, "reason", resp.Reason, "error", err)
	}
}
