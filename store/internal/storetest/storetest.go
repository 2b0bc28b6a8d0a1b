// Package storetest holds the behavior suite shared by the store.Store
// implementations' tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// AcceptedRecord builds an accepted audit row for the given credential and
// scope, with deterministic payload fields.
func AcceptedRecord(nas, scope string) *types.AuditRecord {
	now := time.Now().UTC()
	return &types.AuditRecord{
		Fingerprint:   fingerprint.Compute(nas, "ABC123", scope),
		Scope:         scope,
		ChoicePayload: "yes",
		Status:        types.StatusAccepted,
		ReceivedAt:    now,
		ProcessedAt:   now,
	}
}

// TestAuditUniqueness checks that accepted rows are unique per (fingerprint,
// scope) while other statuses may repeat.
func TestAuditUniqueness(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	rec := AcceptedRecord("123456789", "L2025-001")
	c.Assert(s.InsertAudit(ctx, rec), qt.IsNil)
	c.Assert(rec.ID, qt.Not(qt.Equals), "")

	// A second accepted row for the same fingerprint and scope must be
	// rejected, that pair is the processed-exactly-once guarantee.
	again := AcceptedRecord("123456789", "L2025-001")
	err := s.InsertAudit(ctx, again)
	c.Assert(errors.Is(err, store.ErrDuplicateAudit), qt.IsTrue)

	// Non-accepted rows for the same pair are fine, duplicates are audited
	// every time they arrive.
	dup := AcceptedRecord("123456789", "L2025-001")
	dup.Status = types.StatusDuplicate
	dup.AttemptCount = 2
	c.Assert(s.InsertAudit(ctx, dup), qt.IsNil)

	// Same credential, different scope is a different pair.
	other := AcceptedRecord("123456789", "L2025-002")
	c.Assert(s.InsertAudit(ctx, other), qt.IsNil)
}

// TestAcceptedAudits checks streaming accepted rows with early stop.
func TestAcceptedAudits(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	c.Assert(s.InsertAudit(ctx, AcceptedRecord("123456789", "L2025-001")), qt.IsNil)
	c.Assert(s.InsertAudit(ctx, AcceptedRecord("987654321", "L2025-001")), qt.IsNil)
	invalid := AcceptedRecord("111111111", "L2025-001")
	invalid.Status = types.StatusInvalid
	invalid.Error = "unknown credential"
	c.Assert(s.InsertAudit(ctx, invalid), qt.IsNil)

	var seen int
	err := s.AcceptedAudits(ctx, func(rec *types.AuditRecord) bool {
		c.Assert(rec.Status, qt.Equals, types.StatusAccepted)
		seen++
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(seen, qt.Equals, 2)

	// Early stop.
	seen = 0
	err = s.AcceptedAudits(ctx, func(*types.AuditRecord) bool {
		seen++
		return false
	})
	c.Assert(err, qt.IsNil)
	c.Assert(seen, qt.Equals, 1)
}

// TestApplyDeltasLaws checks that law deltas accumulate across batches.
func TestApplyDeltasLaws(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{
		Laws: []store.LawDelta{{BallotID: "L2025-001", Yes: 2, No: 1}},
	}), qt.IsNil)
	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{
		Laws: []store.LawDelta{
			{BallotID: "L2025-001", Yes: 1},
			{BallotID: "L2025-002", No: 4},
		},
	}), qt.IsNil)

	tally, err := s.LawResults(ctx, "L2025-001")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.YesCount, qt.Equals, int64(3))
	c.Assert(tally.NoCount, qt.Equals, int64(1))
	c.Assert(tally.UpdatedAt.IsZero(), qt.IsFalse)

	tally, err = s.LawResults(ctx, "L2025-002")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.YesCount, qt.Equals, int64(0))
	c.Assert(tally.NoCount, qt.Equals, int64(4))

	all, err := s.LawTallies(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.HasLen, 2)

	// Empty batches are a no-op.
	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{}), qt.IsNil)
}

// TestApplyDeltasElections checks election deltas, candidate ordering and the
// derived percentage refresh.
func TestApplyDeltasElections(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{
		Elections: []store.ElectionDelta{
			{ElectionID: 1, RegionID: 10, CandidateID: 7, Votes: 3},
			{ElectionID: 1, RegionID: 10, CandidateID: 3, Votes: 1},
		},
	}), qt.IsNil)

	rows, err := s.ElectionResults(ctx, 1, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 2)
	c.Assert(rows[0].CandidateID, qt.Equals, int64(3))
	c.Assert(rows[0].VoteCount, qt.Equals, int64(1))
	c.Assert(rows[0].Percentage, qt.Equals, 25.0)
	c.Assert(rows[1].CandidateID, qt.Equals, int64(7))
	c.Assert(rows[1].VoteCount, qt.Equals, int64(3))
	c.Assert(rows[1].Percentage, qt.Equals, 75.0)

	// A later batch shifts every percentage of the touched region.
	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{
		Elections: []store.ElectionDelta{
			{ElectionID: 1, RegionID: 10, CandidateID: 9, Votes: 2},
			{ElectionID: 1, RegionID: 20, CandidateID: 7, Votes: 5},
		},
	}), qt.IsNil)

	rows, err = s.ElectionResults(ctx, 1, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 3)
	c.Assert(rows[0].Percentage, qt.Equals, 16.67)
	c.Assert(rows[1].Percentage, qt.Equals, 50.0)
	c.Assert(rows[2].Percentage, qt.Equals, 33.33)

	// The other region tallies independently.
	rows, err = s.ElectionResults(ctx, 1, 20)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0].VoteCount, qt.Equals, int64(5))
	c.Assert(rows[0].Percentage, qt.Equals, 100.0)

	all, err := s.ElectionTallies(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.HasLen, 4)
}

// TestElectionRegions checks distinct ordered region listing.
func TestElectionRegions(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	c.Assert(s.ApplyDeltas(ctx, &store.TallyDeltas{
		Elections: []store.ElectionDelta{
			{ElectionID: 1, RegionID: 20, CandidateID: 7, Votes: 1},
			{ElectionID: 1, RegionID: 10, CandidateID: 7, Votes: 1},
			{ElectionID: 1, RegionID: 10, CandidateID: 3, Votes: 1},
			{ElectionID: 2, RegionID: 30, CandidateID: 7, Votes: 1},
		},
	}), qt.IsNil)

	regions, err := s.ElectionRegions(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(regions, qt.DeepEquals, []int64{10, 20})

	regions, err = s.ElectionRegions(ctx, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(regions, qt.DeepEquals, []int64{30})

	regions, err = s.ElectionRegions(ctx, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(regions, qt.HasLen, 0)
}

// TestElections checks election definition round-trips and validation.
func TestElections(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)
	c.Assert(s.UpsertElection(ctx, &types.Election{
		ID: 5, StartAt: start, EndAt: end, Method: types.MethodSingle,
	}), qt.IsNil)
	c.Assert(s.UpsertElection(ctx, &types.Election{
		ID: 2, StartAt: start, EndAt: end, Method: types.MethodRanked,
	}), qt.IsNil)

	e, err := s.Election(ctx, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(e.Method, qt.Equals, types.MethodSingle)
	c.Assert(e.StartAt.Equal(start), qt.IsTrue)

	_, err = s.Election(ctx, 404)
	c.Assert(errors.Is(err, store.ErrNotFound), qt.IsTrue)

	all, err := s.Elections(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.HasLen, 2)
	c.Assert(all[0].ID, qt.Equals, int64(2))
	c.Assert(all[1].ID, qt.Equals, int64(5))

	// Upsert replaces.
	c.Assert(s.UpsertElection(ctx, &types.Election{
		ID: 5, StartAt: start, EndAt: end.Add(time.Hour), Method: types.MethodSingle,
	}), qt.IsNil)
	e, err = s.Election(ctx, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(e.EndAt.Equal(end.Add(time.Hour)), qt.IsTrue)

	c.Assert(s.UpsertElection(ctx, &types.Election{ID: 0, StartAt: start, EndAt: end}), qt.IsNotNil)
	c.Assert(s.UpsertElection(ctx, &types.Election{ID: 9, StartAt: end, EndAt: start}), qt.IsNotNil)
}

// TestResultsNotFound checks the not-found mapping and connectivity ping.
func TestResultsNotFound(t *testing.T, s store.Store) {
	c := qt.New(t)
	ctx := context.Background()

	_, err := s.LawResults(ctx, "L2025-404")
	c.Assert(errors.Is(err, store.ErrNotFound), qt.IsTrue)

	_, err = s.ElectionResults(ctx, 1, 10)
	c.Assert(errors.Is(err, store.ErrNotFound), qt.IsTrue)

	c.Assert(s.Ping(ctx), qt.IsNil)
}
