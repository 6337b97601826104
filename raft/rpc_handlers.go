package raft

import (
	"context"
)

//
// Inbound RPC entry points. Transports call these; each hands the request
// to the active role loop and waits for its reply.
//

func (rf *Raft[C]) AppendEntries(ctx context.Context, req *AppendEntriesRequest[C]) (*AppendEntriesResponse, error) {
	resp, err := rf.Deliver(ctx, NewPeerRPC(req))
	if err != nil {
		return nil, err
	}
	reply, ok := resp.(*AppendEntriesResponse)
	if !ok {
		return nil, ErrUnknownRPC
	}
	return reply, nil
}

func (rf *Raft[C]) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	resp, err := rf.Deliver(ctx, NewPeerRPC(req))
	if err != nil {
		return nil, err
	}
	reply, ok := resp.(*RequestVoteResponse)
	if !ok {
		return nil, ErrUnknownRPC
	}
	return reply, nil
}

// InstallSnapshot always answers with an UnsupportedResponse and ErrUnsupported.
func (rf *Raft[C]) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*UnsupportedResponse, error) {
	return rf.deliverUnsupported(ctx, req)
}

// Config always answers with an UnsupportedResponse and ErrUnsupported.
func (rf *Raft[C]) Config(ctx context.Context, req *ConfigRequest) (*UnsupportedResponse, error) {
	return rf.deliverUnsupported(ctx, req)
}

func (rf *Raft[C]) deliverUnsupported(ctx context.Context, req interface{}) (*UnsupportedResponse, error) {
	resp, err := rf.Deliver(ctx, NewPeerRPC(req))
	if err != nil {
		return nil, err
	}
	reply, ok := resp.(*UnsupportedResponse)
	if !ok {
		return nil, ErrUnknownRPC
	}
	return reply, ErrUnsupported
}

//
// handlePeerRPC is shared by every role loop. reset reports that the
// request came from a legitimate leader or won our vote, which is when a
// follower restarts its election timer.
//
func (rf *Raft[C]) handlePeerRPC(rpc *PeerRPC) (reset bool, err error) {
	switch req := rpc.Payload.(type) {
	case *AppendEntriesRequest[C]:
		return rf.respondToAppendEntries(rpc, req)
	case *RequestVoteRequest:
		return rf.respondToRequestVote(rpc, req)
	case *InstallSnapshotRequest:
		return false, rf.respondUnsupported(rpc, req.Term)
	case *ConfigRequest:
		return false, rf.respondUnsupported(rpc, req.Term)
	default:
		return false, rf.fail(rpc, ErrUnknownRPC)
	}
}

// fail hands err to the waiting caller and returns it for the loop to log.
func (rf *Raft[C]) fail(rpc *PeerRPC, err error) error {
	if rerr := rpc.respond(err); rerr != nil {
		rf.logger.Warn("could not deliver rpc error", "error", err)
	}
	return err
}

//
// RequestVote handler. The vote is persisted before the reply leaves.
//
func (rf *Raft[C]) respondToRequestVote(rpc *PeerRPC, req *RequestVoteRequest) (bool, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	resp := &RequestVoteResponse{Term: rf.currentTerm, ID: rf.id}
	if req.Term < rf.currentTerm {
		return false, rpc.respond(resp)
	}

	if req.Term > rf.currentTerm {
		if err := rf.adoptTerm(req.Term); err != nil {
			return false, rf.fail(rpc, err)
		}
		rf.leaderID = None
		if rf.role != Shutdown && rf.role != Follower {
			rf.logger.Info("stepping down for newer term", "from", rf.role, "term", req.Term)
			rf.role = Follower
		}
		resp.Term = rf.currentTerm
	}

	// Already voted for someone else in this term
	if rf.votedFor != None && rf.votedFor != req.CandidateID {
		return false, rpc.respond(resp)
	}

	lastIndex, lastTerm, err := lastLogInfo(rf.log)
	if err != nil {
		return false, rf.fail(rpc, err)
	}

	// Only grant the vote if candidate is at least as up-to-date
	if isUpToDate := req.LastLogTerm > lastTerm ||
		req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex; !isUpToDate {
		return false, rpc.respond(resp)
	}

	prev := rf.votedFor
	rf.votedFor = req.CandidateID
	if err := rf.persist(); err != nil {
		rf.votedFor = prev
		return false, rf.fail(rpc, err)
	}
	resp.VoteGranted = true
	rf.logger.Debug("granted vote", "candidate", req.CandidateID, "term", req.Term)
	return true, rpc.respond(resp)
}

//
// AppendEntries handler. Handles the term checks common to every role, then
// hands a legitimate request to the follower logic.
//
func (rf *Raft[C]) respondToAppendEntries(rpc *PeerRPC, req *AppendEntriesRequest[C]) (bool, error) {
	rf.mu.Lock()

	// Should reject in this case
	if req.Term < rf.currentTerm {
		resp := &AppendEntriesResponse{Term: rf.currentTerm, ID: rf.id, Reason: AppendStaleTerm}
		rf.mu.Unlock()
		if last, err := rf.log.LastIndex(); err == nil {
			resp.LastIndex = last
		}
		return false, rpc.respond(resp)
	}

	if req.Term > rf.currentTerm {
		if err := rf.adoptTerm(req.Term); err != nil {
			rf.mu.Unlock()
			return false, rf.fail(rpc, err)
		}
	}
	// A leader exists for this term, so candidates and stale leaders give way
	if rf.role != Shutdown && rf.role != Follower {
		rf.logger.Info("stepping down for leader", "from", rf.role, "leader", req.LeaderID, "term", req.Term)
		rf.role = Follower
	}
	rf.leaderID = req.LeaderID
	rf.mu.Unlock()

	resp, err := rf.followerAppend(req)
	if err != nil {
		return true, rf.fail(rpc, err)
	}
	return true, rpc.respond(resp)
}

func (rf *Raft[C]) respondUnsupported(rpc *PeerRPC, term Term) error {
	rf.mu.Lock()
	resp := &UnsupportedResponse{Term: rf.currentTerm, ID: rf.id, Reason: AppendUnsupported}
	rf.mu.Unlock()

	if err := rpc.respond(resp); err != nil {
		return err
	}
	rf.logger.Debug("rejected unsupported rpc", "term", term)
	return nil
}
