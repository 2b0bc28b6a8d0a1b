// Package dbtest holds the behavior suite shared by the db.Database
// implementations' tests.
package dbtest

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/db"
)

// TestWriteTx checks the basic transaction contract: reads-own-writes,
// isolation until commit, deletes and discard.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	key := []byte("key")
	value := []byte("value")

	_, err := database.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	tx := database.WriteTx()
	c.Assert(tx.Set(key, value), qt.IsNil)

	// The pending write is visible inside the transaction only.
	got, err := tx.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, value)
	_, err = database.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(tx.Commit(), qt.IsNil)
	got, err = database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, value)

	// Delete through a second transaction.
	tx = database.WriteTx()
	c.Assert(tx.Delete(key), qt.IsNil)
	_, err = tx.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	c.Assert(tx.Commit(), qt.IsNil)
	_, err = database.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	// Discarded writes never land.
	tx = database.WriteTx()
	c.Assert(tx.Set(key, value), qt.IsNil)
	tx.Discard()
	_, err = database.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
}

// TestIterate checks prefix iteration, byte ordering and early stop.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	tx := database.WriteTx()
	for i := 0; i < 5; i++ {
		c.Assert(tx.Set(fmt.Appendf(nil, "it/%d", i), fmt.Appendf(nil, "v%d", i)), qt.IsNil)
	}
	c.Assert(tx.Set([]byte("other"), []byte("x")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	var keys []string
	err := database.Iterate([]byte("it/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"it/0", "it/1", "it/2", "it/3", "it/4"})

	// Early stop after the first element.
	count := 0
	err = database.Iterate([]byte("it/"), func(k, v []byte) bool {
		count++
		return false
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

// TestWriteTxApply checks merging one transaction's pending writes into
// another before committing.
func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	txA := database.WriteTx()
	c.Assert(txA.Set([]byte("apply/a"), []byte("1")), qt.IsNil)
	txB := database.WriteTx()
	c.Assert(txB.Set([]byte("apply/b"), []byte("2")), qt.IsNil)

	c.Assert(txA.Apply(txB), qt.IsNil)
	c.Assert(txA.Commit(), qt.IsNil)
	txB.Discard()

	got, err := database.Get([]byte("apply/a"))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []byte("1"))
	got, err = database.Get([]byte("apply/b"))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []byte("2"))
}

// TestWriteTxApplyPrefixed checks that writes through a prefixed view land
// under the prefix in the backing database.
func TestWriteTxApplyPrefixed(t *testing.T, database, prefixed db.Database) {
	c := qt.New(t)

	tx := prefixed.WriteTx()
	c.Assert(tx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	got, err := prefixed.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []byte("v"))

	// The raw database sees exactly one key, and it is not the bare one.
	_, err = database.Get([]byte("k"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	seen := 0
	err = database.Iterate(nil, func(k, v []byte) bool {
		seen++
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(seen, qt.Equals, 1)
}

// TestConcurrentWriteTx checks optimistic conflict detection between two
// overlapping transactions. Only engines with conflict detection run this.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	key := []byte("contended")
	txA := database.WriteTx()
	txB := database.WriteTx()

	c.Assert(txA.Set(key, []byte("a")), qt.IsNil)
	c.Assert(txB.Set(key, []byte("b")), qt.IsNil)

	c.Assert(txA.Commit(), qt.IsNil)
	c.Assert(errors.Is(txB.Commit(), db.ErrConflict), qt.IsTrue)
}
