package api

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// windowCacheSize bounds the number of elections kept in the window cache.
// Election sets are small; this is generous.
const windowCacheSize = 1024

// windowEntry caches one election definition. A nil election records a
// confirmed miss so unknown IDs do not hammer the store on every submission.
type windowEntry struct {
	election  *types.Election
	fetchedAt time.Time
}

// electionWindows is a read-through cache over the election definitions of
// the results store. Entries expire after a TTL so window changes propagate
// without a node restart.
type electionWindows struct {
	cache *lru.Cache[int64, windowEntry]
	st    store.Store
	ttl   time.Duration
}

func newElectionWindows(st store.Store, ttl time.Duration) (*electionWindows, error) {
	cache, err := lru.New[int64, windowEntry](windowCacheSize)
	if err != nil {
		return nil, err
	}
	return &electionWindows{cache: cache, st: st, ttl: ttl}, nil
}

// election returns the cached election definition, reading through to the
// store when the entry is missing or stale. A store.ErrNotFound result is
// cached too.
func (ew *electionWindows) election(ctx context.Context, id int64) (*types.Election, error) {
	if entry, ok := ew.cache.Get(id); ok && time.Since(entry.fetchedAt) < ew.ttl {
		if entry.election == nil {
			return nil, store.ErrNotFound
		}
		return entry.election, nil
	}
	e, err := ew.st.Election(ctx, id)
	switch {
	case err == nil:
		ew.cache.Add(id, windowEntry{election: e, fetchedAt: time.Now()})
		return e, nil
	case errors.Is(err, store.ErrNotFound):
		ew.cache.Add(id, windowEntry{fetchedAt: time.Now()})
		return nil, store.ErrNotFound
	default:
		return nil, err
	}
}
