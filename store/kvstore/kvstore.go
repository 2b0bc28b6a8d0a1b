/*
Package kvstore implements store.Store on the node's key-value database, for
single-node deployments and tests.

Key layout:

  - a/<audit-id>                       audit row (CBOR)
  - as/<fingerprint>|<scope>           accepted-row marker, the uniqueness index
  - tl/<ballot-id>                     law tally row
  - te/<election><region><candidate>   election tally row (IDs big-endian)
  - e/<election>                       election definition

Binary big-endian IDs keep election tally iteration ordered by region and
candidate, so region listings and result queries are prefix scans.
*/
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vocdoni/scrutin-node/db"
	"github.com/vocdoni/scrutin-node/db/prefixeddb"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

var (
	auditPrefix         = []byte("a/")
	auditAcceptedPrefix = []byte("as/")
	lawTallyPrefix      = []byte("tl/")
	electionTallyPrefix = []byte("te/")
	electionPrefix      = []byte("e/")
)

// Store implements store.Store. A single mutex serializes writers; the
// embedded engines commit synchronously so a finished call is durable.
type Store struct {
	db         db.Database
	globalLock sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New returns a Store over the given database. The caller keeps ownership of
// the database handle.
func New(database db.Database) *Store {
	return &Store{db: database}
}

func (s *Store) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	val, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode audit row: %w", err)
	}

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	if rec.Status == types.StatusAccepted {
		marker := acceptedMarkerKey(rec.Fingerprint.String(), rec.Scope)
		pr := prefixeddb.NewPrefixedWriteTx(wTx, auditAcceptedPrefix)
		if _, err := pr.Get(marker); err == nil {
			return store.ErrDuplicateAudit
		}
		if err := pr.Set(marker, []byte(rec.ID)); err != nil {
			return err
		}
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, auditPrefix).Set([]byte(rec.ID), val); err != nil {
		return err
	}
	return wTx.Commit()
}

func (s *Store) AcceptedAudits(ctx context.Context, fn func(*types.AuditRecord) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return prefixeddb.NewPrefixedReader(s.db, auditPrefix).Iterate(nil, func(_, v []byte) bool {
		var rec types.AuditRecord
		if err := decode(v, &rec); err != nil {
			return true
		}
		if rec.Status != types.StatusAccepted {
			return true
		}
		return fn(&rec)
	})
}

// ApplyDeltas folds a batch into the tally rows and refreshes the percentage
// column of every election region the batch touched, all in one transaction.
func (s *Store) ApplyDeltas(ctx context.Context, deltas *store.TallyDeltas) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deltas.Empty() {
		return nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := time.Now().UTC()
	wTx := s.db.WriteTx()
	defer wTx.Discard()

	lawTx := prefixeddb.NewPrefixedWriteTx(wTx, lawTallyPrefix)
	for _, d := range deltas.Laws {
		tally := types.LawTally{BallotID: d.BallotID}
		if raw, err := lawTx.Get([]byte(d.BallotID)); err == nil {
			if err := decode(raw, &tally); err != nil {
				return fmt.Errorf("decode law tally %s: %w", d.BallotID, err)
			}
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}
		tally.YesCount += d.Yes
		tally.NoCount += d.No
		tally.UpdatedAt = now
		val, err := encode(&tally)
		if err != nil {
			return fmt.Errorf("encode law tally: %w", err)
		}
		if err := lawTx.Set([]byte(d.BallotID), val); err != nil {
			return err
		}
	}

	type regionKey struct{ election, region int64 }
	touched := make(map[regionKey]struct{})
	electionTx := prefixeddb.NewPrefixedWriteTx(wTx, electionTallyPrefix)
	for _, d := range deltas.Elections {
		key := electionTallyKey(d.ElectionID, d.RegionID, d.CandidateID)
		tally := types.ElectionTally{
			ElectionID:  d.ElectionID,
			RegionID:    d.RegionID,
			CandidateID: d.CandidateID,
		}
		if raw, err := electionTx.Get(key); err == nil {
			if err := decode(raw, &tally); err != nil {
				return fmt.Errorf("decode election tally: %w", err)
			}
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}
		tally.VoteCount += d.Votes
		val, err := encode(&tally)
		if err != nil {
			return fmt.Errorf("encode election tally: %w", err)
		}
		if err := electionTx.Set(key, val); err != nil {
			return err
		}
		touched[regionKey{d.ElectionID, d.RegionID}] = struct{}{}
	}

	// Refresh percentages of the touched regions reading through the
	// transaction, so the new counts are already visible.
	for rk := range touched {
		prefix := regionPrefix(rk.election, rk.region)
		var rows []*types.ElectionTally
		var keys [][]byte
		if err := electionTx.Iterate(prefix, func(k, v []byte) bool {
			var tally types.ElectionTally
			if err := decode(v, &tally); err != nil {
				return true
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
			rows = append(rows, &tally)
			return true
		}); err != nil {
			return fmt.Errorf("iterate region tallies: %w", err)
		}
		var total int64
		for _, row := range rows {
			total += row.VoteCount
		}
		for i, row := range rows {
			row.Percentage = store.Percentage(row.VoteCount, total)
			val, err := encode(row)
			if err != nil {
				return fmt.Errorf("encode election tally: %w", err)
			}
			if err := electionTx.Set(keys[i], val); err != nil {
				return err
			}
		}
	}

	return wTx.Commit()
}

func (s *Store) LawResults(ctx context.Context, ballotID string) (*types.LawTally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := prefixeddb.NewPrefixedReader(s.db, lawTallyPrefix).Get([]byte(ballotID))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tally types.LawTally
	if err := decode(raw, &tally); err != nil {
		return nil, fmt.Errorf("decode law tally: %w", err)
	}
	return &tally, nil
}

func (s *Store) ElectionResults(ctx context.Context, electionID, regionID int64) ([]*types.ElectionTally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []*types.ElectionTally
	err := prefixeddb.NewPrefixedReader(s.db, electionTallyPrefix).
		Iterate(regionPrefix(electionID, regionID), func(_, v []byte) bool {
			var tally types.ElectionTally
			if err := decode(v, &tally); err != nil {
				return true
			}
			rows = append(rows, &tally)
			return true
		})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows, nil
}

func (s *Store) LawTallies(ctx context.Context) ([]*types.LawTally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []*types.LawTally
	err := prefixeddb.NewPrefixedReader(s.db, lawTallyPrefix).Iterate(nil, func(_, v []byte) bool {
		var tally types.LawTally
		if err := decode(v, &tally); err != nil {
			return true
		}
		rows = append(rows, &tally)
		return true
	})
	return rows, err
}

func (s *Store) ElectionTallies(ctx context.Context) ([]*types.ElectionTally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []*types.ElectionTally
	err := prefixeddb.NewPrefixedReader(s.db, electionTallyPrefix).Iterate(nil, func(_, v []byte) bool {
		var tally types.ElectionTally
		if err := decode(v, &tally); err != nil {
			return true
		}
		rows = append(rows, &tally)
		return true
	})
	return rows, err
}

func (s *Store) UpsertElection(ctx context.Context, e *types.Election) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID <= 0 {
		return fmt.Errorf("election ID must be positive")
	}
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("election %d: end_at must be after start_at", e.ID)
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	val, err := encode(e)
	if err != nil {
		return fmt.Errorf("encode election: %w", err)
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), electionPrefix)
	defer wTx.Discard()
	if err := wTx.Set(idBytes(e.ID), val); err != nil {
		return err
	}
	return wTx.Commit()
}

func (s *Store) Election(ctx context.Context, id int64) (*types.Election, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := prefixeddb.NewPrefixedReader(s.db, electionPrefix).Get(idBytes(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e types.Election
	if err := decode(raw, &e); err != nil {
		return nil, fmt.Errorf("decode election: %w", err)
	}
	return &e, nil
}

func (s *Store) Elections(ctx context.Context) ([]*types.Election, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.Election
	err := prefixeddb.NewPrefixedReader(s.db, electionPrefix).Iterate(nil, func(_, v []byte) bool {
		var e types.Election
		if err := decode(v, &e); err != nil {
			return true
		}
		out = append(out, &e)
		return true
	})
	return out, err
}

func (s *Store) ElectionRegions(ctx context.Context, electionID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Callback keys keep the iterated prefix, so the layout is
	// <election><region><candidate> and the region sits at bytes 8..16.
	var regions []int64
	var last int64 = -1
	err := prefixeddb.NewPrefixedReader(s.db, electionTallyPrefix).
		Iterate(idBytes(electionID), func(k, _ []byte) bool {
			if len(k) < 24 {
				return true
			}
			region := int64(binary.BigEndian.Uint64(k[8:16]))
			// Keys are ordered, duplicates arrive grouped.
			if region != last {
				regions = append(regions, region)
				last = region
			}
			return true
		})
	return regions, err
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close(context.Context) error {
	// The node owns the database handle.
	return nil
}

func acceptedMarkerKey(fp, scope string) []byte {
	return []byte(fp + "|" + scope)
}

func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func electionTallyKey(electionID, regionID, candidateID int64) []byte {
	key := make([]byte, 0, 24)
	key = append(key, idBytes(electionID)...)
	key = append(key, idBytes(regionID)...)
	key = append(key, idBytes(candidateID)...)
	return key
}

func regionPrefix(electionID, regionID int64) []byte {
	key := make([]byte, 0, 16)
	key = append(key, idBytes(electionID)...)
	key = append(key, idBytes(regionID)...)
	return key
}

func encode(v any) ([]byte, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

func decode(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
