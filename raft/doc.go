// Package raft implements the consensus core of a replicated state machine:
// leader election, log replication and commitment.
//
// A node runs one role loop at a time (follower, candidate or leader). All
// inbound peer RPCs and client commands are funnelled through channels into
// the active loop, so the log, term and vote are only ever changed from a
// single goroutine. Outbound RPCs run on their own goroutines and report
// back over channels owned by the current election or leadership.
//
// Persistence and networking are pluggable through the Log, StableStore and
// Transport interfaces; MemoryLog, MemoryStable and InmemNetwork cover tests
// and single-process clusters.
package raft
