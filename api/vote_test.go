package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/types"
)

func TestSubmitVote(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)

	rec := ta.request(t, http.MethodPost, VoteEndpoint, &VoteRequest{
		NAS:      "123456789",
		Code:     "ABC123",
		BallotID: "L2025-001",
		Choice:   "yes",
	})
	c.Assert(rec.Code, qt.Equals, http.StatusAccepted, qt.Commentf("body: %s", rec.Body.String()))
	resp := decodeBody[VoteResponse](t, rec)
	c.Assert(resp.RequestID, qt.Not(qt.Equals), "")
	c.Assert(resp.Status, qt.Equals, VoteStatusQueued)

	// The envelope must be waiting in the validation queue.
	d, err := ta.bus.Next(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	c.Assert(d.RoutingKey, qt.Equals, types.RoutingKeyLaw)

	var env types.Envelope
	c.Assert(json.Unmarshal(d.Body, &env), qt.IsNil)
	c.Assert(env.Kind, qt.Equals, types.KindLaw)
	c.Assert(env.Fingerprint, qt.Equals, fingerprint.Compute("123456789", "ABC123", "L2025-001"))
	c.Assert(env.Law, qt.Not(qt.IsNil))
	c.Assert(env.Law.BallotID, qt.Equals, "L2025-001")
	c.Assert(env.Law.Choice, qt.Equals, types.ChoiceYes)
	c.Assert(env.ReceivedAt.IsZero(), qt.IsFalse)

	// The raw credentials must never appear in the queue payload.
	c.Assert(strings.Contains(string(d.Body), "123456789"), qt.IsFalse)
	c.Assert(strings.Contains(strings.ToUpper(string(d.Body)), "ABC123"), qt.IsFalse)
}

func TestSubmitVoteCodeCaseInsensitive(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)

	for _, code := range []string{"abc123", "ABC123"} {
		rec := ta.request(t, http.MethodPost, VoteEndpoint, &VoteRequest{
			NAS:      "123456789",
			Code:     code,
			BallotID: "L2025-001",
			Choice:   "no",
		})
		c.Assert(rec.Code, qt.Equals, http.StatusAccepted)
	}
	want := fingerprint.Compute("123456789", "ABC123", "L2025-001")
	for range 2 {
		d, err := ta.bus.Next(bus.QueueValidation)
		c.Assert(err, qt.IsNil)
		var env types.Envelope
		c.Assert(json.Unmarshal(d.Body, &env), qt.IsNil)
		c.Assert(env.Fingerprint, qt.Equals, want)
	}
}

func TestSubmitVoteShapeErrors(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)

	tests := []struct {
		name   string
		body   any
		status int
		code   int
		field  string
	}{
		{
			name:   "malformed json",
			body:   `{"nas": "123`,
			status: http.StatusBadRequest,
			code:   ErrMalformedBody.Code,
		},
		{
			name:   "short nas",
			body:   &VoteRequest{NAS: "12345678", Code: "ABC123", BallotID: "L1", Choice: "yes"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "nas",
		},
		{
			name:   "nas with letters",
			body:   &VoteRequest{NAS: "12345678X", Code: "ABC123", BallotID: "L1", Choice: "yes"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "nas",
		},
		{
			name:   "bad code",
			body:   &VoteRequest{NAS: "123456789", Code: "AB-123", BallotID: "L1", Choice: "yes"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "code",
		},
		{
			name:   "empty ballot id",
			body:   &VoteRequest{NAS: "123456789", Code: "ABC123", BallotID: "", Choice: "yes"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "ballot_id",
		},
		{
			name:   "ballot id too long",
			body:   &VoteRequest{NAS: "123456789", Code: "ABC123", BallotID: strings.Repeat("x", 51), Choice: "yes"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "ballot_id",
		},
		{
			name:   "bad choice",
			body:   &VoteRequest{NAS: "123456789", Code: "ABC123", BallotID: "L1", Choice: "maybe"},
			status: http.StatusBadRequest,
			code:   ErrMalformedField.Code,
			field:  "choice",
		},
		{
			name:   "oversized body",
			body:   `{"nas":"123456789","code":"ABC123","ballot_id":"` + strings.Repeat("x", 2048) + `","choice":"yes"}`,
			status: http.StatusRequestEntityTooLarge,
			code:   ErrPayloadTooLarge.Code,
		},
	}
	for _, tt := range tests {
		rec := ta.request(t, http.MethodPost, VoteEndpoint, tt.body)
		c.Assert(rec.Code, qt.Equals, tt.status, qt.Commentf("%s: %s", tt.name, rec.Body.String()))
		errResp := decodeBody[errorBody](t, rec)
		c.Assert(errResp.Code, qt.Equals, tt.code, qt.Commentf(tt.name))
		c.Assert(errResp.Field, qt.Equals, tt.field, qt.Commentf(tt.name))
	}

	// Nothing may have reached the queue.
	depth, err := ta.bus.Depth(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, int64(0))
}

func TestSubmitVoteQueueFull(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 1)

	body := &VoteRequest{NAS: "123456789", Code: "ABC123", BallotID: "L1", Choice: "yes"}
	rec := ta.request(t, http.MethodPost, VoteEndpoint, body)
	c.Assert(rec.Code, qt.Equals, http.StatusAccepted)

	// The queue holds one envelope and is full; back-pressure turns into 503.
	rec = ta.request(t, http.MethodPost, VoteEndpoint, body)
	c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
	errResp := decodeBody[errorBody](t, rec)
	c.Assert(errResp.Code, qt.Equals, ErrQueueUnavailable.Code)
}

func TestSubmitElectionVote(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	ctx := t.Context()

	now := time.Now().UTC()
	c.Assert(ta.store.UpsertElection(ctx, &types.Election{
		ID:      7,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
		Method:  types.MethodSingle,
	}), qt.IsNil)

	candidate := int64(42)
	rec := ta.request(t, http.MethodPost, ElectionVoteEndpoint, &ElectionVoteRequest{
		NAS:          "123456789",
		Code:         "ABC123",
		ElectionID:   7,
		RegionID:     3,
		Method:       "single",
		SingleChoice: &candidate,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusAccepted, qt.Commentf("body: %s", rec.Body.String()))

	d, err := ta.bus.Next(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	c.Assert(d.RoutingKey, qt.Equals, types.RoutingKeyElection)
	var env types.Envelope
	c.Assert(json.Unmarshal(d.Body, &env), qt.IsNil)
	c.Assert(env.Kind, qt.Equals, types.KindElection)
	c.Assert(env.Fingerprint, qt.Equals, fingerprint.Compute("123456789", "ABC123", "election:7"))
	c.Assert(env.Election, qt.Not(qt.IsNil))
	c.Assert(env.Election.ElectionID, qt.Equals, int64(7))
	c.Assert(env.Election.RegionID, qt.Equals, int64(3))
	c.Assert(*env.Election.SingleChoice, qt.Equals, candidate)
	c.Assert(strings.Contains(string(d.Body), "123456789"), qt.IsFalse)
}

func TestSubmitElectionVoteRanked(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	ctx := t.Context()

	now := time.Now().UTC()
	c.Assert(ta.store.UpsertElection(ctx, &types.Election{
		ID:      9,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
		Method:  types.MethodRanked,
	}), qt.IsNil)

	rec := ta.request(t, http.MethodPost, ElectionVoteEndpoint, &ElectionVoteRequest{
		NAS:           "123456789",
		Code:          "ABC123",
		ElectionID:    9,
		RegionID:      1,
		Method:        "ranked",
		RankedChoices: []int64{5, 2, 9},
	})
	c.Assert(rec.Code, qt.Equals, http.StatusAccepted, qt.Commentf("body: %s", rec.Body.String()))

	d, err := ta.bus.Next(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	var env types.Envelope
	c.Assert(json.Unmarshal(d.Body, &env), qt.IsNil)
	c.Assert(env.Election.RankedChoices, qt.DeepEquals, []int64{5, 2, 9})
	first, ok := env.FirstPreference()
	c.Assert(ok, qt.IsTrue)
	c.Assert(first, qt.Equals, int64(5))
}

func TestSubmitElectionVoteWindow(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	ctx := t.Context()
	candidate := int64(1)

	// Unknown election.
	rec := ta.request(t, http.MethodPost, ElectionVoteEndpoint, &ElectionVoteRequest{
		NAS: "123456789", Code: "ABC123", ElectionID: 404, RegionID: 1,
		Method: "single", SingleChoice: &candidate,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(decodeBody[errorBody](t, rec).Code, qt.Equals, ErrElectionNotFound.Code)

	// Not yet open.
	now := time.Now().UTC()
	c.Assert(ta.store.UpsertElection(ctx, &types.Election{
		ID:      11,
		StartAt: now.Add(time.Hour),
		EndAt:   now.Add(2 * time.Hour),
		Method:  types.MethodSingle,
	}), qt.IsNil)
	rec = ta.request(t, http.MethodPost, ElectionVoteEndpoint, &ElectionVoteRequest{
		NAS: "123456789", Code: "ABC123", ElectionID: 11, RegionID: 1,
		Method: "single", SingleChoice: &candidate,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	errResp := decodeBody[errorBody](t, rec)
	c.Assert(errResp.Error, qt.Equals, "election_closed")

	// Already over.
	c.Assert(ta.store.UpsertElection(ctx, &types.Election{
		ID:      12,
		StartAt: now.Add(-2 * time.Hour),
		EndAt:   now.Add(-time.Hour),
		Method:  types.MethodSingle,
	}), qt.IsNil)
	rec = ta.request(t, http.MethodPost, ElectionVoteEndpoint, &ElectionVoteRequest{
		NAS: "123456789", Code: "ABC123", ElectionID: 12, RegionID: 1,
		Method: "single", SingleChoice: &candidate,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(decodeBody[errorBody](t, rec).Error, qt.Equals, "election_closed")

	depth, err := ta.bus.Depth(bus.QueueValidation)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, int64(0))
}

func TestSubmitElectionVoteShapeErrors(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	candidate := int64(3)

	tests := []struct {
		name  string
		body  *ElectionVoteRequest
		field string
	}{
		{
			name:  "zero election id",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", RegionID: 1, Method: "single", SingleChoice: &candidate},
			field: "election_id",
		},
		{
			name:  "zero region id",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, Method: "single", SingleChoice: &candidate},
			field: "region_id",
		},
		{
			name:  "unknown method",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, RegionID: 1, Method: "approval", SingleChoice: &candidate},
			field: "method",
		},
		{
			name:  "single without choice",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, RegionID: 1, Method: "single"},
			field: "single_choice",
		},
		{
			name:  "ranked without choices",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, RegionID: 1, Method: "ranked"},
			field: "ranked_choices",
		},
		{
			name:  "ranked with duplicates",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, RegionID: 1, Method: "ranked", RankedChoices: []int64{2, 2}},
			field: "ranked_choices",
		},
		{
			name:  "both choice forms",
			body:  &ElectionVoteRequest{NAS: "123456789", Code: "ABC123", ElectionID: 1, RegionID: 1, Method: "single", SingleChoice: &candidate, RankedChoices: []int64{1}},
			field: "single_choice",
		},
	}
	for _, tt := range tests {
		rec := ta.request(t, http.MethodPost, ElectionVoteEndpoint, tt.body)
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest, qt.Commentf("%s: %s", tt.name, rec.Body.String()))
		errResp := decodeBody[errorBody](t, rec)
		c.Assert(errResp.Field, qt.Equals, tt.field, qt.Commentf(tt.name))
	}
}
