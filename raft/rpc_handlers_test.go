package raft

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var threeNodes = []NodeID{"A", "B", "C"}

func TestRespondToRequestVote(t *testing.T) {
	tests := []struct {
		name      string
		term      Term
		votedFor  NodeID
		log       []LogEntry[string]
		req       RequestVoteRequest
		wantGrant bool
		wantTerm  Term
		wantVote  NodeID
	}{
		{
			name:     "stale term",
			term:     5,
			req:      RequestVoteRequest{Term: 4, CandidateID: "B"},
			wantTerm: 5,
		},
		{
			name:      "newer term adopts and grants",
			term:      2,
			votedFor:  "C",
			req:       RequestVoteRequest{Term: 3, CandidateID: "B"},
			wantGrant: true,
			wantTerm:  3,
			wantVote:  "B",
		},
		{
			name:     "already voted for another",
			term:     3,
			votedFor: "C",
			req:      RequestVoteRequest{Term: 3, CandidateID: "B"},
			wantTerm: 3,
			wantVote: "C",
		},
		{
			name:      "repeat vote for same candidate",
			term:      3,
			votedFor:  "B",
			req:       RequestVoteRequest{Term: 3, CandidateID: "B"},
			wantGrant: true,
			wantTerm:  3,
			wantVote:  "B",
		},
		{
			name:     "candidate last term behind",
			term:     3,
			log:      entries(1, 2),
			req:      RequestVoteRequest{Term: 3, CandidateID: "B", LastLogIndex: 5, LastLogTerm: 1},
			wantTerm: 3,
		},
		{
			name:     "candidate log shorter in same term",
			term:     3,
			log:      entries(1, 2, 2),
			req:      RequestVoteRequest{Term: 3, CandidateID: "B", LastLogIndex: 2, LastLogTerm: 2},
			wantTerm: 3,
		},
		{
			name:      "candidate with newer last term wins despite shorter log",
			term:      3,
			log:       entries(1, 2),
			req:       RequestVoteRequest{Term: 4, CandidateID: "B", LastLogIndex: 1, LastLogTerm: 3},
			wantGrant: true,
			wantTerm:  4,
			wantVote:  "B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf, log, stable := newTestNode(t, "A", threeNodes)
			rf.currentTerm, rf.votedFor = tt.term, tt.votedFor
			log.AppendEntries(tt.log)

			req := tt.req
			resp, ok := deliver(t, rf, &req).(*RequestVoteResponse)
			if !ok {
				t.Fatalf("unexpected reply type")
			}
			if resp.VoteGranted != tt.wantGrant {
				t.Errorf("VoteGranted = %v, want %v", resp.VoteGranted, tt.wantGrant)
			}
			if resp.Term != tt.wantTerm || resp.ID != "A" {
				t.Errorf("reply = (term %d, id %s), want (term %d, id A)", resp.Term, resp.ID, tt.wantTerm)
			}
			if rf.votedFor != tt.wantVote {
				t.Errorf("votedFor = %q, want %q", rf.votedFor, tt.wantVote)
			}
			if tt.wantGrant {
				term, vote, _ := stable.TermAndVote()
				if term != tt.wantTerm || vote != tt.wantVote {
					t.Errorf("persisted (%d, %q), want (%d, %q)", term, vote, tt.wantTerm, tt.wantVote)
				}
			}
		})
	}
}

func TestRespondToAppendEntries(t *testing.T) {
	tests := []struct {
		name       string
		term       Term
		log        []LogEntry[string]
		commit     Index
		req        AppendEntriesRequest[string]
		wantOK     bool
		wantReason AppendEntriesReason
		wantLast   Index
		wantCommit Index
		wantTerms  []Term
	}{
		{
			name:       "stale term",
			term:       3,
			log:        entries(1),
			req:        AppendEntriesRequest[string]{Term: 2, LeaderID: "B"},
			wantReason: AppendStaleTerm,
			wantLast:   1,
			wantTerms:  []Term{1},
		},
		{
			name:       "prev entry missing",
			term:       1,
			log:        entries(1),
			req:        AppendEntriesRequest[string]{Term: 1, LeaderID: "B", PrevLogIndex: 3, PrevLogTerm: 1},
			wantReason: AppendLogDoesNotExist,
			wantLast:   1,
			wantTerms:  []Term{1},
		},
		{
			name:       "prev term mismatch",
			term:       2,
			log:        entries(1, 1),
			req:        AppendEntriesRequest[string]{Term: 2, LeaderID: "B", PrevLogIndex: 2, PrevLogTerm: 2},
			wantReason: AppendLogTermMismatch,
			wantLast:   2,
			wantTerms:  []Term{1, 1},
		},
		{
			name: "append to empty log",
			term: 1,
			req: AppendEntriesRequest[string]{
				Term: 1, LeaderID: "B", Entries: entries(1, 1), LastCommitIndex: 1,
			},
			wantOK:     true,
			wantReason: AppendOk,
			wantLast:   2,
			wantCommit: 1,
			wantTerms:  []Term{1, 1},
		},
		{
			name: "commit bounded by matched entries",
			term: 1,
			log:  entries(1, 1, 1),
			req: AppendEntriesRequest[string]{
				Term: 1, LeaderID: "B", PrevLogIndex: 1, PrevLogTerm: 1, LastCommitIndex: 3,
			},
			wantOK:     true,
			wantReason: AppendOk,
			wantLast:   3,
			wantCommit: 1,
			wantTerms:  []Term{1, 1, 1},
		},
		{
			name: "conflicting suffix replaced",
			term: 2,
			log:  entries(1, 1, 1),
			req: AppendEntriesRequest[string]{
				Term: 3, LeaderID: "B", PrevLogIndex: 1, PrevLogTerm: 1, Entries: entries(3),
			},
			wantOK:     true,
			wantReason: AppendOk,
			wantLast:   2,
			wantTerms:  []Term{1, 3},
		},
		{
			name: "stale heartbeat keeps matching suffix",
			term: 2,
			log:  entries(1, 2, 2),
			req: AppendEntriesRequest[string]{
				Term: 2, LeaderID: "B", PrevLogIndex: 1, PrevLogTerm: 1, Entries: entries(2),
			},
			wantOK:     true,
			wantReason: AppendOk,
			wantLast:   3,
			wantTerms:  []Term{1, 2, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf, log, _ := newTestNode(t, "A", threeNodes)
			rf.currentTerm = tt.term
			log.AppendEntries(tt.log)
			log.SetCommitIndex(tt.commit)

			req := tt.req
			resp, ok := deliver(t, rf, &req).(*AppendEntriesResponse)
			if !ok {
				t.Fatalf("unexpected reply type")
			}
			if resp.Success != tt.wantOK || resp.Reason != tt.wantReason {
				t.Errorf("reply = (%v, %v), want (%v, %v)", resp.Success, resp.Reason, tt.wantOK, tt.wantReason)
			}
			if resp.LastIndex != tt.wantLast {
				t.Errorf("LastIndex = %d, want %d", resp.LastIndex, tt.wantLast)
			}
			if commit, _ := log.CommitIndex(); commit != tt.wantCommit {
				t.Errorf("commit = %d, want %d", commit, tt.wantCommit)
			}
			last, _ := log.LastIndex()
			if int(last) != len(tt.wantTerms) {
				t.Fatalf("log length = %d, want %d", last, len(tt.wantTerms))
			}
			for i, want := range tt.wantTerms {
				if got, _ := termAt[string](log, Index(i+1)); got != want {
					t.Errorf("term at %d = %d, want %d", i+1, got, want)
				}
			}
		})
	}
}

func TestAppendEntriesRecordsLeader(t *testing.T) {
	rf, _, stable := newTestNode(t, "A", threeNodes)
	rf.currentTerm, rf.votedFor = 1, "A"

	deliver(t, rf, &AppendEntriesRequest[string]{Term: 4, LeaderID: "C"})

	s := rf.Status()
	if s.Term != 4 || s.LeaderID != "C" || s.VotedFor != None {
		t.Errorf("status = %+v, want term 4 leader C no vote", s)
	}
	if term, vote, _ := stable.TermAndVote(); term != 4 || vote != None {
		t.Errorf("persisted (%d, %q), want (4, none)", term, vote)
	}
}

func TestFollowerAppliesCommittedEntries(t *testing.T) {
	rf, _, _ := newTestNode(t, "A", threeNodes)
	sm := rf.sm.(*recordingMachine)

	req := &AppendEntriesRequest[string]{
		Term:     1,
		LeaderID: "B",
		Entries: []LogEntry[string]{
			{Term: 1, Type: EntryNoop},
			{Term: 1, Command: "x"},
			{Term: 1, Command: "y"},
		},
		LastCommitIndex: 2,
	}
	deliver(t, rf, req)

	if got := sm.Applied(); len(got) != 1 || got[0] != "x" {
		t.Errorf("applied = %v, want [x]", got)
	}
	if s := rf.Status(); s.LastApplied != 2 {
		t.Errorf("LastApplied = %d, want 2", s.LastApplied)
	}
}

func TestUnsupportedRPCs(t *testing.T) {
	rf, _, _ := newTestNode(t, "A", threeNodes)
	rf.currentTerm = 7

	for _, payload := range []interface{}{
		&InstallSnapshotRequest{Term: 7, LeaderID: "B"},
		&ConfigRequest{Term: 7, LeaderID: "B", Peers: threeNodes},
	} {
		resp, ok := deliver(t, rf, payload).(*UnsupportedResponse)
		if !ok {
			t.Fatalf("%T: unexpected reply type", payload)
		}
		if resp.Reason != AppendUnsupported || resp.Term != 7 || resp.ID != "A" {
			t.Errorf("%T: reply = %+v", payload, resp)
		}
	}
}

func TestUnknownPayload(t *testing.T) {
	rf, _, _ := newTestNode(t, "A", threeNodes)
	if err, ok := deliver(t, rf, "bogus").(error); !ok || errors.Cause(err) != ErrUnknownRPC {
		t.Errorf("reply = %v, want ErrUnknownRPC", err)
	}
}

func TestInboundEntryPointsThroughRunLoop(t *testing.T) {
	rf, _, _ := newTestNode(t, "A", threeNodes)
	rf.Start()
	defer rf.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := rf.RequestVote(ctx, &RequestVoteRequest{Term: 100, CandidateID: "B"})
	if err != nil {
		t.Fatalf("RequestVote failed: %v", err)
	}
	if !resp.VoteGranted {
		t.Errorf("vote not granted: %+v", resp)
	}

	if _, err := rf.InstallSnapshot(ctx, &InstallSnapshotRequest{Term: 100}); errors.Cause(err) != ErrUnsupported {
		t.Errorf("InstallSnapshot error = %v, want ErrUnsupported", err)
	}
	if _, err := rf.Config(ctx, &ConfigRequest{Term: 100}); errors.Cause(err) != ErrUnsupported {
		t.Errorf("Config error = %v, want ErrUnsupported", err)
	}
}

func TestPeerRPCRespondOnce(t *testing.T) {
	rpc := NewPeerRPC(&RequestVoteRequest{})
	if err := rpc.respond(&RequestVoteResponse{}); err != nil {
		t.Fatalf("first respond failed: %v", err)
	}
	if err := rpc.respond(&RequestVoteResponse{}); err != ErrResponseDropped {
		t.Errorf("second respond = %v, want ErrResponseDropped", err)
	}
}

func TestDeliverAfterKill(t *testing.T) {
	rf, _, _ := newTestNode(t, "A", threeNodes)
	rf.Start()
	rf.Kill()

	if _, err := rf.AppendEntries(context.Background(), &AppendEntriesRequest[string]{Term: 1}); err != ErrShutdown {
		t.Errorf("AppendEntries after Kill = %v, want ErrShutdown", err)
	}
	if _, err := rf.Submit(context.Background(), "x"); err != ErrShutdown {
		t.Errorf("Submit after Kill = %v, want ErrShutdown", err)
	}
	if s := rf.Status(); s.Role != Shutdown {
		t.Errorf("role = %v, want Shutdown", s.Role)
	}
}
