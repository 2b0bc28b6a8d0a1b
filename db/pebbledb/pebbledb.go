// Package pebbledb implements db.Database on top of cockroachdb/pebble.
// WriteTx wraps an indexed pebble batch: reads observe the batch's own
// pending writes, but concurrent transaction conflicts are not detected.
package pebbledb

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/vocdoni/scrutin-node/db"
)

// PebbleDB implements db.Database.
type PebbleDB struct {
	db     *pebble.DB
	closed atomic.Bool
}

// Ensure that PebbleDB implements the db.Database interface.
var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cannot open pebble db at %s: %w", opts.Path, err)
	}
	return &PebbleDB{db: pdb}, nil
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, db.ErrKeyNotFound
	}
	value, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if d.closed.Load() {
		return nil
	}
	iter, err := d.db.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (d *PebbleDB) WriteTx() db.WriteTx {
	if d.closed.Load() {
		return &WriteTx{db: d}
	}
	return &WriteTx{db: d, batch: d.db.NewIndexedBatch()}
}

// Close closes the database. Any further operation on it, or on a pending
// transaction, becomes a no-op rather than a panic.
func (d *PebbleDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Compact compacts the whole key range.
func (d *PebbleDB) Compact() error {
	if d.closed.Load() {
		return nil
	}
	// Both bounds are required; cover the full keyspace.
	return d.db.Compact([]byte{0x00}, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true)
}

func iterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return &pebble.IterOptions{}
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	}
}

// prefixEnd returns the smallest key that is strictly greater than every key
// starting with prefix, or nil when no such bound exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// WriteTx implements db.WriteTx over an indexed pebble batch.
type WriteTx struct {
	db    *PebbleDB
	batch *pebble.Batch
	done  bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) unusable() bool {
	return tx.done || tx.batch == nil || tx.db.closed.Load()
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if tx.unusable() {
		return nil, nil
	}
	value, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if tx.unusable() {
		return nil
	}
	iter, err := tx.batch.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (tx *WriteTx) Set(key, value []byte) error {
	if tx.unusable() {
		return nil
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	if tx.unusable() {
		return nil
	}
	return tx.batch.Delete(key, nil)
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	if tx.unusable() {
		return nil
	}
	if otherTx, ok := other.(*WriteTx); ok {
		if otherTx.unusable() {
			return nil
		}
		return tx.batch.Apply(otherTx.batch, nil)
	}
	// Fall back to copying the pending state key by key.
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.batch.Set(k, v, nil) == nil
	})
}

func (tx *WriteTx) Commit() error {
	if tx.unusable() {
		return nil
	}
	tx.done = true
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	if tx.unusable() {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}
