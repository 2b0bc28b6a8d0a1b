package credstore

import (
	"context"
	"os"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"github.com/vocdoni/scrutin-node/fingerprint"
)

// freshFingerprint returns a fingerprint that cannot collide with previous
// test runs, so the suite can target a long-lived redis instance.
func freshFingerprint() fingerprint.Fingerprint {
	return fingerprint.Compute("123456789", "ABC123", uuid.NewString())
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("valid set membership", func(t *testing.T) {
		c := qt.New(t)
		member := freshFingerprint()
		stranger := freshFingerprint()

		added, err := store.LoadValid(ctx, []fingerprint.Fingerprint{member})
		c.Assert(err, qt.IsNil)
		c.Assert(added, qt.Equals, int64(1))

		// Loading the same fingerprint again adds nothing.
		added, err = store.LoadValid(ctx, []fingerprint.Fingerprint{member})
		c.Assert(err, qt.IsNil)
		c.Assert(added, qt.Equals, int64(0))

		ok, err := store.IsValid(ctx, member)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)
		ok, err = store.IsValid(ctx, stranger)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsFalse)
	})

	t.Run("claim once", func(t *testing.T) {
		c := qt.New(t)
		f := freshFingerprint()

		claimed, err := store.IsClaimed(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(claimed, qt.IsFalse)

		ok, err := store.Claim(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)

		// Second claim of the same fingerprint is a duplicate.
		ok, err = store.Claim(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsFalse)

		claimed, err = store.IsClaimed(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(claimed, qt.IsTrue)
	})

	t.Run("concurrent claims yield one winner", func(t *testing.T) {
		c := qt.New(t)
		f := freshFingerprint()

		const claimers = 16
		results := make(chan bool, claimers)
		var wg sync.WaitGroup
		for range claimers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.Claim(ctx, f)
				if err != nil {
					results <- false
					return
				}
				results <- ok
			}()
		}
		wg.Wait()
		close(results)

		winners := 0
		for ok := range results {
			if ok {
				winners++
			}
		}
		c.Assert(winners, qt.Equals, 1)
	})

	t.Run("duplicate counter", func(t *testing.T) {
		c := qt.New(t)
		f := freshFingerprint()

		n, err := store.RecordDuplicate(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Equals, int64(1))
		n, err = store.RecordDuplicate(ctx, f)
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Equals, int64(2))

		// Counters are per fingerprint.
		n, err = store.RecordDuplicate(ctx, freshFingerprint())
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Equals, int64(1))
	})

	t.Run("ping", func(t *testing.T) {
		qt.Assert(t, store.Ping(ctx), qt.IsNil)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	runStoreSuite(t, store)

	c := qt.New(t)
	ctx := context.Background()
	validCount, err := store.CountValid(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(validCount, qt.Equals, int64(1))
	claimedCount, err := store.CountClaimed(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(claimedCount, qt.Equals, int64(2))
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis store test")
	}
	store, err := NewRedis(context.Background(), RedisOptions{URL: url})
	qt.Assert(t, err, qt.IsNil)
	defer func() { _ = store.Close() }()

	runStoreSuite(t, store)
}
