package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/aggregator"
	"github.com/vocdoni/scrutin-node/api"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/internal/testutil"
	"github.com/vocdoni/scrutin-node/store/kvstore"
	"github.com/vocdoni/scrutin-node/types"
	"github.com/vocdoni/scrutin-node/validator"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestPipelineEndToEnd drives votes through the whole pipeline over HTTP:
// ingestion, validation, aggregation and the results endpoints.
func TestPipelineEndToEnd(t *testing.T) {
	c := qt.New(t)
	ctx := t.Context()
	const ballotID = "L2025-100"

	b, err := bus.New(metadb.NewTest(t), bus.Options{Queues: bus.PipelineQueues()})
	c.Assert(err, qt.IsNil)
	t.Cleanup(b.Close)
	creds := credstore.NewMemory()
	st := kvstore.New(metadb.NewTest(t))
	c.Assert(st.UpsertElection(ctx, testutil.OpenElection(7, types.MethodSingle)), qt.IsNil)

	apiSrv := NewAPI(&api.APIConfig{
		Host:        "127.0.0.1",
		Port:        0,
		Bus:         b,
		Credentials: creds,
		Results:     st,
	}, false)
	c.Assert(apiSrv.Start(ctx), qt.IsNil)
	t.Cleanup(apiSrv.Stop)
	router := apiSrv.API.Router()

	val := NewValidator(b, creds, st, validator.Options{Workers: 4, RequeueDelay: time.Millisecond})
	c.Assert(val.Start(ctx), qt.IsNil)
	agg := NewAggregator(b, st, aggregator.Options{BatchSize: 8, BatchInterval: 50 * time.Millisecond})
	c.Assert(agg.Start(ctx), qt.IsNil)
	monitor := NewStatsMonitor(b, creds, val.Pool, agg.Aggregator, time.Hour)
	c.Assert(monitor.Start(ctx), qt.IsNil)
	t.Cleanup(monitor.Stop)

	// Register 25 referendum voters and 3 election voters.
	var lawVoters, electionVoters []testutil.Credential
	var fps []fingerprint.Fingerprint
	for range 25 {
		cred := testutil.RandomCredential()
		lawVoters = append(lawVoters, cred)
		fps = append(fps, cred.Fingerprint(ballotID))
	}
	for range 3 {
		cred := testutil.RandomCredential()
		electionVoters = append(electionVoters, cred)
		fps = append(fps, cred.Fingerprint(fingerprint.ElectionScope(7)))
	}
	added, err := creds.LoadValid(ctx, fps)
	c.Assert(err, qt.IsNil)
	c.Assert(added, qt.Equals, int64(28))

	post := func(path string, body any) int {
		data, err := json.Marshal(body)
		c.Assert(err, qt.IsNil)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// 15 yes, 10 no.
	for i, voter := range lawVoters {
		choice := "yes"
		if i >= 15 {
			choice = "no"
		}
		code := post(api.VoteEndpoint, api.VoteRequest{
			NAS: voter.NAS, Code: voter.Code, BallotID: ballotID, Choice: choice,
		})
		c.Assert(code, qt.Equals, http.StatusAccepted)
	}
	// A repeat submission and a stranger: both accepted into the queue,
	// classified asynchronously. The repeat carries the same choice as the
	// original, so the tally is the same whichever of the two wins the claim.
	c.Assert(post(api.VoteEndpoint, api.VoteRequest{
		NAS: lawVoters[0].NAS, Code: lawVoters[0].Code, BallotID: ballotID, Choice: "yes",
	}), qt.Equals, http.StatusAccepted)
	stranger := testutil.RandomCredential()
	c.Assert(post(api.VoteEndpoint, api.VoteRequest{
		NAS: stranger.NAS, Code: stranger.Code, BallotID: ballotID, Choice: "yes",
	}), qt.Equals, http.StatusAccepted)

	// Election votes: two for candidate 42, one for candidate 99.
	for i, voter := range electionVoters {
		candidate := int64(42)
		if i == 2 {
			candidate = 99
		}
		code := post(api.ElectionVoteEndpoint, api.ElectionVoteRequest{
			NAS: voter.NAS, Code: voter.Code,
			ElectionID: 7, RegionID: 1,
			Method:       string(types.MethodSingle),
			SingleChoice: &candidate,
		})
		c.Assert(code, qt.Equals, http.StatusAccepted)
	}

	// The tallies converge to the accepted votes only.
	waitFor(t, 15*time.Second, func() bool {
		tally, err := st.LawResults(ctx, ballotID)
		if err != nil {
			return false
		}
		return tally.YesCount == 15 && tally.NoCount == 10
	})
	waitFor(t, 15*time.Second, func() bool {
		rows, err := st.ElectionResults(ctx, 7, 1)
		if err != nil || len(rows) != 2 {
			return false
		}
		return rows[0].CandidateID == 42 && rows[0].VoteCount == 2 &&
			rows[1].CandidateID == 99 && rows[1].VoteCount == 1
	})

	// The repeat and the stranger end up in review.
	waitFor(t, 15*time.Second, func() bool {
		depth, err := b.Depth(bus.QueueReview)
		return err == nil && depth == 2
	})

	// Results are served over HTTP too.
	req := httptest.NewRequest(http.MethodGet, "/results/"+ballotID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	var results api.BallotResultsResponse
	c.Assert(json.NewDecoder(rec.Body).Decode(&results), qt.IsNil)
	c.Assert(results.YesCount, qt.Equals, int64(15))
	c.Assert(results.NoCount, qt.Equals, int64(10))
	c.Assert(results.TotalVotes, qt.Equals, int64(25))
	c.Assert(results.YesPct, qt.Equals, 60.0)

	val.Stop()
	agg.Stop()

	// Work queues fully drained; every accepted audit row is unique per
	// fingerprint and scope.
	depth, err := b.Depth(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, int64(0))
	depth, err = b.Depth(bus.QueueAggregation)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, int64(0))

	type auditKey struct {
		fp    fingerprint.Fingerprint
		scope string
	}
	seen := make(map[auditKey]bool)
	count := 0
	err = st.AcceptedAudits(ctx, func(rec *types.AuditRecord) bool {
		key := auditKey{rec.Fingerprint, rec.Scope}
		c.Assert(seen[key], qt.IsFalse, qt.Commentf("duplicate audit for %s/%s", rec.Fingerprint, rec.Scope))
		seen[key] = true
		count++
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 28)
}

// TestServiceLifecycle checks the start guards and idempotent stops of every
// wrapper.
func TestServiceLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	b, err := bus.New(metadb.NewTest(t), bus.Options{Queues: bus.PipelineQueues()})
	c.Assert(err, qt.IsNil)
	t.Cleanup(b.Close)
	creds := credstore.NewMemory()
	st := kvstore.New(metadb.NewTest(t))

	val := NewValidator(b, creds, st, validator.Options{Workers: 1})
	c.Assert(val.Start(ctx), qt.IsNil)
	c.Assert(val.Start(ctx), qt.Not(qt.IsNil))
	val.Stop()
	val.Stop() // idempotent

	agg := NewAggregator(b, st, aggregator.Options{})
	c.Assert(agg.Start(ctx), qt.IsNil)
	c.Assert(agg.Start(ctx), qt.Not(qt.IsNil))
	agg.Stop()
	agg.Stop()

	monitor := NewStatsMonitor(b, creds, nil, nil, time.Hour)
	c.Assert(monitor.Start(ctx), qt.IsNil)
	c.Assert(monitor.Start(ctx), qt.Not(qt.IsNil))
	monitor.Stop()
	monitor.Stop()
}
