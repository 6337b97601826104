package storage

import (
	"github.com/oopDaniel/raftkv/raft"
	"github.com/syndtr/goleveldb/leveldb"
)

// Stable is a raft.StableStore kept in LevelDB.
type Stable struct {
	db *DB
}

func NewStable(db *DB) *Stable {
	return &Stable{db: db}
}

// SetTermAndVote writes both values in one batch.
func (s *Stable) SetTermAndVote(term raft.Term, votedFor raft.NodeID) error {
	batch := new(leveldb.Batch)
	batch.Put(termKey, uint64Bytes(uint64(term)))
	batch.Put(voteKey, []byte(votedFor))
	return s.db.write(batch)
}

func (s *Stable) TermAndVote() (raft.Term, raft.NodeID, error) {
	term, err := s.db.getUint64(termKey)
	if err != nil {
		return 0, raft.None, err
	}
	vote, _, err := s.db.get(voteKey)
	if err != nil {
		return 0, raft.None, err
	}
	return raft.Term(term), raft.NodeID(vote), nil
}
