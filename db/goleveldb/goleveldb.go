// Package goleveldb implements db.Database on top of syndtr/goleveldb.
// WriteTx keeps an in-memory overlay of pending writes and commits them as
// a single leveldb batch; conflicts between transactions are not detected.
package goleveldb

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vocdoni/scrutin-node/db"
)

// GoLevelDB implements db.Database.
type GoLevelDB struct {
	db     *leveldb.DB
	closed atomic.Bool
}

// Ensure that GoLevelDB implements the db.Database interface.
var _ db.Database = (*GoLevelDB)(nil)

// New opens (or creates) a leveldb database at opts.Path.
func New(opts db.Options) (*GoLevelDB, error) {
	ldb, err := leveldb.OpenFile(opts.Path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("cannot open leveldb at %s: %w", opts.Path, err)
	}
	return &GoLevelDB{db: ldb}, nil
}

func (d *GoLevelDB) Get(key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, db.ErrKeyNotFound
	}
	value, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (d *GoLevelDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if d.closed.Load() {
		return nil
	}
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (d *GoLevelDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
	}
}

func (d *GoLevelDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Compact compacts the whole key range.
func (d *GoLevelDB) Compact() error {
	if d.closed.Load() {
		return nil
	}
	return d.db.CompactRange(util.Range{})
}

// WriteTx implements db.WriteTx with a pending-write overlay. A nil overlay
// value marks a deletion.
type WriteTx struct {
	db     *GoLevelDB
	writes map[string]*[]byte
	done   bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) unusable() bool {
	return tx.done || tx.db.closed.Load()
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if tx.unusable() {
		return nil, nil
	}
	if pending, ok := tx.writes[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if tx.unusable() {
		return nil
	}
	entries := make(map[string][]byte)
	if err := tx.db.Iterate(prefix, func(k, v []byte) bool {
		entries[string(k)] = bytes.Clone(v)
		return true
	}); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if !callback([]byte(key), entries[key]) {
			break
		}
	}
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	if tx.unusable() {
		return nil
	}
	valCopy := bytes.Clone(value)
	tx.writes[string(key)] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	if tx.unusable() {
		return nil
	}
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	if tx.unusable() {
		return nil
	}
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *WriteTx) Commit() error {
	if tx.unusable() {
		return nil
	}
	tx.done = true
	batch := new(leveldb.Batch)
	for key, value := range tx.writes {
		if value == nil {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), *value)
	}
	return tx.db.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.done = true
}
