package raft

import "github.com/pkg/errors"

type applyResult struct {
	index   Index
	payload []byte
	err     error // state machine error, reported to the client
}

//
// applyCommitted feeds entries in (lastApplied, commitIndex] to the state
// machine in order. No-op entries advance lastApplied without reaching it.
// The returned error is a log read failure; state machine errors travel
// inside the results.
//
func (rf *Raft[C]) applyCommitted() ([]applyResult, error) {
	commit, err := rf.log.CommitIndex()
	if err != nil {
		return nil, errors.Wrap(err, "raft: read commit index")
	}

	rf.mu.Lock()
	applied := rf.lastApplied
	rf.mu.Unlock()

	var results []applyResult
	for index := applied + 1; index <= commit; index++ {
		entry, ok, err := rf.log.Entry(index)
		if err != nil {
			return results, errors.Wrapf(err, "raft: read entry %d", index)
		}
		if !ok {
			return results, errors.Errorf("raft: committed entry %d missing", index)
		}

		res := applyResult{index: index}
		if entry.Type == EntryCommand && rf.sm != nil {
			res.payload, res.err = rf.sm.Apply(index, entry.Command)
			if res.err != nil {
				rf.logger.Warn("state machine rejected command", "index", index, "error", res.err)
			}
		}
		results = append(results, res)

		rf.mu.Lock()
		rf.lastApplied = index
		rf.mu.Unlock()
	}
	return results, nil
}
