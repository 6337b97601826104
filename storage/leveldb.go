// Package storage persists a node's log and term/vote in LevelDB.
package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// Key layout. Log entries sort by index under logPrefix.
var (
	logPrefix = []byte("l/")
	lastKey   = []byte("m/last")
	commitKey = []byte("m/commit")
	termKey   = []byte("s/term")
	voteKey   = []byte("s/vote")
)

type DB struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// Open opens or creates a database in dir. Writes are synced to disk.
func Open(dir string) (*DB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", dir)
	}
	return &DB{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

// OpenMem opens a database that lives in memory only.
func OpenMem() (*DB, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open memory db")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) get(key []byte) ([]byte, bool, error) {
	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "storage: get %q", key)
	}
	return value, true, nil
}

func (d *DB) getUint64(key []byte) (uint64, error) {
	value, ok, err := d.get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(value) != 8 {
		return 0, errors.Errorf("storage: corrupt value for %q", key)
	}
	return binary.BigEndian.Uint64(value), nil
}

func (d *DB) write(batch *leveldb.Batch) error {
	return errors.Wrap(d.db.Write(batch, d.wo), "storage: write batch")
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
