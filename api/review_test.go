package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/types"
)

func TestReviewPeek(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)

	env := &types.Envelope{
		Kind:        types.KindLaw,
		Fingerprint: "0000000000000000000000000000000000000000000000000000000000000000",
		ReceivedAt:  time.Now().UTC(),
		Law:         &types.LawPayload{BallotID: "L1", Choice: types.ChoiceNo},
		Status:      types.StatusDuplicate,
	}
	body, err := json.Marshal(env)
	c.Assert(err, qt.IsNil)
	c.Assert(ta.bus.Publish(bus.QueueReview, body, types.RoutingKeyLaw), qt.IsNil)
	// A payload that never parsed as JSON must still render in the response.
	c.Assert(ta.bus.Publish(bus.QueueReview, []byte("not json"), ""), qt.IsNil)

	rec := ta.request(t, http.MethodGet, ReviewEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK, qt.Commentf("body: %s", rec.Body.String()))
	review := decodeBody[ReviewResponse](t, rec)
	c.Assert(review.Depth, qt.Equals, int64(2))
	c.Assert(review.Items, qt.HasLen, 2)

	var first types.Envelope
	c.Assert(json.Unmarshal(review.Items[0].Envelope, &first), qt.IsNil)
	c.Assert(first.Status, qt.Equals, types.StatusDuplicate)
	var second string
	c.Assert(json.Unmarshal(review.Items[1].Envelope, &second), qt.IsNil)
	c.Assert(second, qt.Equals, "not json")

	// Peeking must not consume: depth unchanged.
	depth, err := ta.bus.Depth(bus.QueueReview)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, int64(2))

	// Limit parameter.
	rec = ta.request(t, http.MethodGet, ReviewEndpoint+"?limit=1", nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	review = decodeBody[ReviewResponse](t, rec)
	c.Assert(review.Items, qt.HasLen, 1)

	rec = ta.request(t, http.MethodGet, ReviewEndpoint+"?limit=zero", nil)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(decodeBody[errorBody](t, rec).Code, qt.Equals, ErrMalformedParam.Code)
}
