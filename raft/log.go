package raft

import "sync"

// Log is the node's ordered, 1-indexed sequence of entries together with its
// commit index. The node mutates it only from the active role loop.
type Log[C any] interface {
	// LastIndex returns the index of the last entry, 0 if empty.
	LastIndex() (Index, error)

	// Entry returns the entry at index. ok is false if index is 0 or out of range.
	Entry(index Index) (entry LogEntry[C], ok bool, err error)

	// RemoveEntriesAfter drops every entry with an index greater than index.
	// It is a no-op when the log is already that short.
	RemoveEntriesAfter(index Index) error

	// AppendEntries appends entries in order after the current last entry.
	AppendEntries(entries []LogEntry[C]) error

	CommitIndex() (Index, error)

	// SetCommitIndex records a new commit index. Implementations never let
	// the commit index go backwards or past the last entry.
	SetCommitIndex(index Index) error
}

// MemoryLog is a Log kept in memory. The zero value is an empty log.
type MemoryLog[C any] struct {
	mu      sync.Mutex
	entries []LogEntry[C]
	commit  Index
}

func NewMemoryLog[C any]() *MemoryLog[C] {
	return &MemoryLog[C]{}
}

func (l *MemoryLog[C]) LastIndex() (Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Index(len(l.entries)), nil
}

func (l *MemoryLog[C]) Entry(index Index) (LogEntry[C], bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero LogEntry[C]
	if index == 0 || index > Index(len(l.entries)) {
		return zero, false, nil
	}
	return l.entries[index-1], true, nil
}

func (l *MemoryLog[C]) RemoveEntriesAfter(index Index) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < Index(len(l.entries)) {
		l.entries = l.entries[:index]
	}
	return nil
}

func (l *MemoryLog[C]) AppendEntries(entries []LogEntry[C]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *MemoryLog[C]) CommitIndex() (Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commit, nil
}

func (l *MemoryLog[C]) SetCommitIndex(index Index) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last := Index(len(l.entries)); index > last {
		index = last
	}
	if index > l.commit {
		l.commit = index
	}
	return nil
}

// termAt returns the term of the entry at index, 0 for index 0 or a missing entry.
func termAt[C any](log Log[C], index Index) (Term, error) {
	entry, ok, err := log.Entry(index)
	if err != nil || !ok {
		return 0, err
	}
	return entry.Term, nil
}

func lastLogInfo[C any](log Log[C]) (Index, Term, error) {
	last, err := log.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	term, err := termAt(log, last)
	if err != nil {
		return 0, 0, err
	}
	return last, term, nil
}

// entriesFrom collects up to limit entries starting at start. limit <= 0 means no limit.
func entriesFrom[C any](log Log[C], start Index, limit int) ([]LogEntry[C], error) {
	last, err := log.LastIndex()
	if err != nil {
		return nil, err
	}
	if start == 0 {
		start = 1
	}
	var entries []LogEntry[C]
	for i := start; i <= last; i++ {
		if limit > 0 && len(entries) >= limit {
			break
		}
		entry, ok, err := log.Entry(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
