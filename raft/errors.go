package raft

import "github.com/pkg/errors"

var (
	// ErrShutdown is returned when the node stopped before the call completed.
	ErrShutdown = errors.New("raft: node is shut down")

	// ErrUnsupported is returned for InstallSnapshot and Config RPCs.
	ErrUnsupported = errors.New("raft: unsupported operation")

	// ErrResponseDropped is returned when a reply could not be handed to the caller.
	ErrResponseDropped = errors.New("raft: response channel dropped")

	// ErrUnreachable is returned by transports when a peer cannot be contacted.
	ErrUnreachable = errors.New("raft: peer unreachable")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrTimeout is returned when a deadline expires while waiting on the node.
	ErrTimeout = errors.New("raft: timed out")

	// ErrUnknownRPC is returned for payloads the node does not recognise.
	ErrUnknownRPC = errors.New("raft: unknown rpc payload")
)
