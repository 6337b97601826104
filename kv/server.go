package kv

import (
	"sort"
	"sync"

	"github.com/oopDaniel/raftkv/raft"
)

//
// Store is the state machine behind the replicated log. Every node runs one
// and applies the same committed ops in the same order.
//
type Store struct {
	mu sync.Mutex

	data         map[string]string // Key/value pairs to store in the KV service
	duplicateMap map[string]uint64 // (ClientID:Seq). Prevent applying duplicate ops to service
	lastIndex    raft.Index
}

func NewStore() *Store {
	return &Store{
		data:         make(map[string]string),
		duplicateMap: make(map[string]uint64),
	}
}

// Apply implements raft.StateMachine. It returns the key's value after the op.
func (kv *Store) Apply(index raft.Index, op Op) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.lastIndex = index

	if op.Kind == GET {
		value, ok := kv.data[op.Key]
		if !ok {
			return nil, ErrNoKey
		}
		return []byte(value), nil
	}

	// Apply the command if it's NOT a duplicate
	if seq, ok := kv.duplicateMap[op.ClientID]; op.ClientID == "" || !ok || seq < op.Seq {
		if op.ClientID != "" {
			kv.duplicateMap[op.ClientID] = op.Seq
		}

		switch op.Kind {
		case PUT:
			kv.data[op.Key] = op.Value
		case APPEND:
			kv.data[op.Key] += op.Value
		case DELETE:
			delete(kv.data, op.Key)
		default:
			return nil, ErrUnknownOp
		}
	}

	return []byte(kv.data[op.Key]), nil
}

// Lookup reads the local copy without going through the log; it may be stale.
func (kv *Store) Lookup(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.data[key]
	return value, ok
}

func (kv *Store) Keys() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastIndex is the log index of the last applied op.
func (kv *Store) LastIndex() raft.Index {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.lastIndex
}
