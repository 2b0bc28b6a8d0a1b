// Package prefixeddb wraps a db.Database (or a single reader or transaction)
// so that all keys are transparently namespaced under a fixed prefix.
// Iterate callbacks receive keys with the prefix stripped.
package prefixeddb

import (
	"github.com/vocdoni/scrutin-node/db"
)

// PrefixedDatabase wraps a db.Database prepending a prefix to all keys.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

// Ensure that PrefixedDatabase implements the db.Database interface.
var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase creates a new PrefixedDatabase over the given database.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{
		db:     database,
		prefix: prefix,
	}
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(prefixKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := prefixKey(d.prefix, prefix)
	return d.db.Iterate(full, func(key, value []byte) bool {
		return callback(key[len(d.prefix):], value)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

// Close closes the underlying database.
func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

// Compact compacts the underlying database.
func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// PrefixedReader wraps a db.Reader prepending a prefix to all keys.
type PrefixedReader struct {
	reader db.Reader
	prefix []byte
}

// Ensure that PrefixedReader implements the db.Reader interface.
var _ db.Reader = (*PrefixedReader)(nil)

// NewPrefixedReader creates a new PrefixedReader over the given reader.
func NewPrefixedReader(reader db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{
		reader: reader,
		prefix: prefix,
	}
}

func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.reader.Get(prefixKey(r.prefix, key))
}

func (r *PrefixedReader) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := prefixKey(r.prefix, prefix)
	return r.reader.Iterate(full, func(key, value []byte) bool {
		return callback(key[len(r.prefix):], value)
	})
}

// PrefixedWriteTx wraps a db.WriteTx prepending a prefix to all keys.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// Ensure that PrefixedWriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx creates a new PrefixedWriteTx over the given transaction.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{
		tx:     tx,
		prefix: prefix,
	}
}

func (tx *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return tx.tx.Get(prefixKey(tx.prefix, key))
}

func (tx *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := prefixKey(tx.prefix, prefix)
	return tx.tx.Iterate(full, func(key, value []byte) bool {
		return callback(key[len(tx.prefix):], value)
	})
}

func (tx *PrefixedWriteTx) Set(key, value []byte) error {
	return tx.tx.Set(prefixKey(tx.prefix, key), value)
}

func (tx *PrefixedWriteTx) Delete(key []byte) error {
	return tx.tx.Delete(prefixKey(tx.prefix, key))
}

func (tx *PrefixedWriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

// Commit commits the underlying transaction.
func (tx *PrefixedWriteTx) Commit() error {
	return tx.tx.Commit()
}

// Discard discards the underlying transaction.
func (tx *PrefixedWriteTx) Discard() {
	tx.tx.Discard()
}

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
