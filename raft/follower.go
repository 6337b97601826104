package raft

import (
	"time"

	"github.com/pkg/errors"
)

func (rf *Raft[C]) runFollower() {
	timer := time.NewTimer(rf.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-rf.shutdown:
			rf.setRole(Shutdown)
			return

		case rpc := <-rf.rpcCh:
			reset, err := rf.handlePeerRPC(rpc)
			if err != nil {
				rf.logger.Warn("peer rpc failed", "error", err)
			}
			if reset {
				resetTimer(timer, rf.electionTimeout())
			}

		case call := <-rf.clientCh:
			rf.redirect(call)

		case <-timer.C:
			rf.mu.Lock()
			if rf.role == Follower {
				rf.logger.Info("election timeout, becoming candidate", "term", rf.currentTerm)
				rf.role = Candidate
			}
			rf.mu.Unlock()
		}

		if rf.getRole() != Follower {
			return
		}
	}
}

// redirect answers a client on a node that is not the leader.
func (rf *Raft[C]) redirect(call *clientCall[C]) {
	resp := &ClientResponse{Reason: ClientNoLeaderYet}
	if leader := rf.knownLeader(); leader != None && leader != rf.id {
		resp.Reason = ClientRedirect
		resp.LeaderID = leader
	}
	if err := call.respond(resp); err != nil {
		rf.logger.Warn("could not answer client", "error", err)
	}
}

//
// followerAppend runs once the request's term has been accepted. It checks
// the log matching property at PrevLogIndex, reconciles the entries and
// advances the commit index.
//
func (rf *Raft[C]) followerAppend(req *AppendEntriesRequest[C]) (*AppendEntriesResponse, error) {
	resp := &AppendEntriesResponse{Term: rf.getCurrentTerm(), ID: rf.id}

	last, err := rf.log.LastIndex()
	if err != nil {
		return nil, errors.Wrap(err, "raft: read last index")
	}
	resp.LastIndex = last

	// Conflict - there's no such entry
	if req.PrevLogIndex > last {
		resp.Reason = AppendLogDoesNotExist
		return resp, nil
	}

	// Index exists but it's a conflict term
	if req.PrevLogIndex > 0 {
		prevTerm, err := termAt(rf.log, req.PrevLogIndex)
		if err != nil {
			return nil, errors.Wrap(err, "raft: read prev entry")
		}
		if prevTerm != req.PrevLogTerm {
			resp.Reason = AppendLogTermMismatch
			return resp, nil
		}
	}

	if err := rf.reconcile(req.PrevLogIndex, req.Entries); err != nil {
		return nil, err
	}

	// Only what this request proved to match may be committed
	matched := req.PrevLogIndex + Index(len(req.Entries))
	if err := rf.log.SetCommitIndex(minIndex(req.LastCommitIndex, matched)); err != nil {
		return nil, errors.Wrap(err, "raft: set commit index")
	}
	if _, err := rf.applyCommitted(); err != nil {
		rf.logger.Error("apply committed entries failed", "error", err)
	}

	if resp.LastIndex, err = rf.log.LastIndex(); err != nil {
		return nil, errors.Wrap(err, "raft: read last index")
	}
	resp.Success = true
	resp.Reason = AppendOk
	return resp, nil
}

//
// reconcile makes the log after prev equal to entries where they overlap.
// Entries that already match are kept, so a delayed or duplicated request
// never truncates entries the leader has since appended; the log is cut
// only at the first entry whose term differs.
//
func (rf *Raft[C]) reconcile(prev Index, entries []LogEntry[C]) error {
	for i, entry := range entries {
		index := prev + Index(i) + 1
		existing, ok, err := rf.log.Entry(index)
		if err != nil {
			return errors.Wrap(err, "raft: read entry")
		}
		if ok && existing.Term == entry.Term {
			continue
		}
		if ok {
			rf.logger.Debug("truncating conflicting entries", "from", index, "term", existing.Term)
			if err := rf.log.RemoveEntriesAfter(index - 1); err != nil {
				return errors.Wrap(err, "raft: truncate log")
			}
		}
		if err := rf.log.AppendEntries(entries[i:]); err != nil {
			return errors.Wrap(err, "raft: append entries")
		}
		return nil
	}
	return nil
}
