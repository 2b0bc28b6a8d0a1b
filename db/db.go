// Package db defines the key-value database interface used by the node and
// the options shared by its implementations (pebbledb, goleveldb, inmemory).
package db

import (
	"errors"
)

// Supported database engines, selectable via metadb.New.
const (
	TypePebble  = "pebble"
	TypeLevelDB = "leveldb"
	TypeInMem   = "inmem"
)

var (
	// ErrKeyNotFound is returned when a key is not found in the database.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by WriteTx.Commit when the transaction lost a
	// race with a concurrent write to an overlapping key set.
	ErrConflict = errors.New("conflict")
)

// Options defines generic parameters for creating a database.
type Options struct {
	Path string
}

// Reader is the read access part of a database or transaction.
type Reader interface {
	// Get retrieves the value for the given key. If the key does not
	// exist, returns the error ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with all key-value pairs in the database
	// whose key starts with prefix. The iteration order is by key bytes.
	// The callback returns false to stop the iteration. The key and value
	// byte slices are not required to be valid after the callback returns.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// Database wraps the common operations of a persistent key-value store.
type Database interface {
	Reader
	// WriteTx creates a new write transaction.
	WriteTx() WriteTx
	// Close closes the database. No operation is valid afterwards.
	Close() error
	// Compact triggers a database compaction, when the engine supports it.
	Compact() error
}

// WriteTx is a write transaction. Writes are not applied until Commit is
// called; either Commit or Discard must always be called once.
type WriteTx interface {
	Reader
	// Set adds a key-value pair, overwriting any previous value.
	Set(key, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// Apply copies the pending writes of the given transaction into this
	// one. Both transactions must belong to the same database.
	Apply(other WriteTx) error
	// Commit applies all pending writes atomically. May return ErrConflict
	// on engines that detect concurrent transaction conflicts.
	Commit() error
	// Discard drops the pending writes. Calling it after Commit is a no-op.
	Discard()
}
