// Package inmemory implements an ephemeral db.Database, mainly for tests
// and for running a node without persistence. Transactions use optimistic
// concurrency: Commit fails with db.ErrConflict when any key read or
// written by the transaction was modified after the transaction started.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/vocdoni/scrutin-node/db"
)

// InMemoryDB implements db.Database backed by a plain map.
type InMemoryDB struct {
	mu    sync.RWMutex
	data  map[string][]byte
	stamp map[string]uint64 // last write sequence per key, kept across deletes
	seq   uint64
}

// Ensure that InMemoryDB implements the db.Database interface.
var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		data:  make(map[string][]byte),
		stamp: make(map[string]uint64),
	}, nil
}

func (d *InMemoryDB) Close() error { return nil }

func (d *InMemoryDB) Compact() error { return nil }

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	entries := snapshotPrefix(d.data, prefix)
	d.mu.RUnlock()
	iterateSorted(entries, callback)
	return nil
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &WriteTx{
		db:      d,
		start:   d.seq,
		writes:  make(map[string]*[]byte),
		touched: make(map[string]struct{}),
	}
}

// WriteTx implements db.WriteTx. A nil overlay value marks a deletion.
type WriteTx struct {
	db      *InMemoryDB
	start   uint64
	writes  map[string]*[]byte
	touched map[string]struct{}
	done    bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	strKey := string(key)
	tx.touched[strKey] = struct{}{}
	if pending, ok := tx.writes[strKey]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	tx.db.mu.RLock()
	entries := snapshotPrefix(tx.db.data, prefix)
	tx.db.mu.RUnlock()

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
	for k := range entries {
		tx.touched[k] = struct{}{}
	}
	iterateSorted(entries, callback)
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	strKey := string(key)
	tx.touched[strKey] = struct{}{}
	valCopy := bytes.Clone(value)
	tx.writes[strKey] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	strKey := string(key)
	tx.touched[strKey] = struct{}{}
	tx.writes[strKey] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("cannot commit inmemory tx: already committed or discarded")
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key := range tx.touched {
		if tx.db.stamp[key] > tx.start {
			return db.ErrConflict
		}
	}
	for key, value := range tx.writes {
		tx.db.seq++
		tx.db.stamp[key] = tx.db.seq
		if value == nil {
			delete(tx.db.data, key)
			continue
		}
		tx.db.data[key] = bytes.Clone(*value)
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.touched = map[string]struct{}{}
	tx.done = true
}

func snapshotPrefix(data map[string][]byte, prefix []byte) map[string][]byte {
	entries := make(map[string][]byte)
	for k, v := range data {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(v)
	}
	return entries
}

func iterateSorted(entries map[string][]byte, callback func(key, value []byte) bool) {
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
}
