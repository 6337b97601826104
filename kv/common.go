// Package kv is a replicated key/value store built on the raft package.
package kv

import "github.com/pkg/errors"

var (
	ErrNoKey     = errors.New("kv: no such key")
	ErrUnknownOp = errors.New("kv: unknown operation")
)

type OpKind uint8

const (
	GET OpKind = iota
	PUT
	APPEND
	DELETE
)

func (k OpKind) String() string {
	switch k {
	case GET:
		return "Get"
	case PUT:
		return "Put"
	case APPEND:
		return "Append"
	case DELETE:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Op is the command replicated through the log.
type Op struct {
	Kind     OpKind
	Key      string
	Value    string
	ClientID string // Client id
	Seq      uint64 // Unique sequential numbers of request
}
