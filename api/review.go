package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vocdoni/scrutin-node/bus"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 500
)

// reviewPeek returns the head of the review queue without consuming it, so
// operators can inspect dead-lettered envelopes before deciding what to do
// with them.
// GET /review?limit=50
func (a *API) reviewPeek(w http.ResponseWriter, r *http.Request) {
	limit := defaultReviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			ErrMalformedParam.WithField("limit").Withf("%q is not a positive integer", raw).Write(w)
			return
		}
		limit = min(v, maxReviewLimit)
	}

	depth, err := a.bus.Depth(bus.QueueReview)
	if err != nil {
		ErrQueueUnavailable.WithErr(err).Write(w)
		return
	}
	deliveries, err := a.bus.Peek(bus.QueueReview, limit)
	if err != nil {
		ErrQueueUnavailable.WithErr(err).Write(w)
		return
	}

	items := make([]*ReviewItem, 0, len(deliveries))
	for _, d := range deliveries {
		item := &ReviewItem{
			Seq:      d.Seq,
			Attempts: d.Attempts,
			Envelope: json.RawMessage(d.Body),
		}
		// Bodies that never parsed as JSON are re-encoded as a JSON string
		// so the response stays well formed.
		if !json.Valid(d.Body) {
			if quoted, err := json.Marshal(string(d.Body)); err == nil {
				item.Envelope = quoted
			}
		}
		items = append(items, item)
	}
	httpWriteJSON(w, &ReviewResponse{
		Depth: depth,
		Items: items,
	})
}
