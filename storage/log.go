package storage

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// Log is a raft.Log kept in LevelDB. Entries are gob encoded, so C must be
// a type gob can handle.
type Log[C any] struct {
	mu     sync.Mutex
	db     *DB
	last   raft.Index
	commit raft.Index
}

// NewLog loads the log's bounds from db.
func NewLog[C any](db *DB) (*Log[C], error) {
	last, err := db.getUint64(lastKey)
	if err != nil {
		return nil, err
	}
	commit, err := db.getUint64(commitKey)
	if err != nil {
		return nil, err
	}
	return &Log[C]{db: db, last: raft.Index(last), commit: raft.Index(commit)}, nil
}

func entryKey(index raft.Index) []byte {
	key := make([]byte, len(logPrefix)+8)
	copy(key, logPrefix)
	copy(key[len(logPrefix):], uint64Bytes(uint64(index)))
	return key
}

func (l *Log[C]) LastIndex() (raft.Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, nil
}

func (l *Log[C]) Entry(index raft.Index) (raft.LogEntry[C], bool, error) {
	var entry raft.LogEntry[C]

	l.mu.Lock()
	last := l.last
	l.mu.Unlock()
	if index == 0 || index > last {
		return entry, false, nil
	}

	value, ok, err := l.db.get(entryKey(index))
	if err != nil || !ok {
		return entry, false, err
	}
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&entry); err != nil {
		return entry, false, errors.Wrapf(err, "storage: decode entry %d", index)
	}
	return entry, true, nil
}

func (l *Log[C]) RemoveEntriesAfter(index raft.Index) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index >= l.last {
		return nil
	}
	batch := new(leveldb.Batch)
	for i := index + 1; i <= l.last; i++ {
		batch.Delete(entryKey(i))
	}
	batch.Put(lastKey, uint64Bytes(uint64(index)))
	if err := l.db.write(batch); err != nil {
		return err
	}
	l.last = index
	return nil
}

func (l *Log[C]) AppendEntries(entries []raft.LogEntry[C]) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	index := l.last
	for _, entry := range entries {
		index++
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return errors.Wrapf(err, "storage: encode entry %d", index)
		}
		batch.Put(entryKey(index), buf.Bytes())
	}
	batch.Put(lastKey, uint64Bytes(uint64(index)))
	if err := l.db.write(batch); err != nil {
		return err
	}
	l.last = index
	return nil
}

func (l *Log[C]) CommitIndex() (raft.Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commit, nil
}

func (l *Log[C]) SetCommitIndex(index raft.Index) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index > l.last {
		index = l.last
	}
	if index <= l.commit {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Put(commitKey, uint64Bytes(uint64(index)))
	if err := l.db.write(batch); err != nil {
		return err
	}
	l.commit = index
	return nil
}
