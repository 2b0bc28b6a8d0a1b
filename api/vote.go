package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/metrics"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// submitVote receives a law referendum vote, derives the credential
// fingerprint and confirms the envelope into the validation queue. The raw
// credentials live only inside this handler.
// POST /vote
func (a *API) submitVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !a.decodeRequest(w, r, &req) {
		return
	}
	if apiErr := validateCredentials(req.NAS, req.Code); apiErr != nil {
		apiErr.Write(w)
		return
	}
	env := &types.Envelope{
		Kind:        types.KindLaw,
		Fingerprint: fingerprint.Compute(req.NAS, req.Code, req.BallotID),
		ReceivedAt:  time.Now().UTC(),
		Law: &types.LawPayload{
			BallotID: req.BallotID,
			Choice:   types.Choice(req.Choice),
		},
	}
	if err := env.Validate(); err != nil {
		writeFieldError(w, err)
		return
	}
	a.publishEnvelope(w, r, env)
}

// submitElectionVote receives an election vote. On top of the shape checks
// it enforces the election voting window, reading the definition through a
// short-lived cache.
// POST /elections/vote
func (a *API) submitElectionVote(w http.ResponseWriter, r *http.Request) {
	var req ElectionVoteRequest
	if !a.decodeRequest(w, r, &req) {
		return
	}
	if apiErr := validateCredentials(req.NAS, req.Code); apiErr != nil {
		apiErr.Write(w)
		return
	}
	env := &types.Envelope{
		Kind:        types.KindElection,
		Fingerprint: fingerprint.Compute(req.NAS, req.Code, fingerprint.ElectionScope(req.ElectionID)),
		ReceivedAt:  time.Now().UTC(),
		Election: &types.ElectionPayload{
			ElectionID:    req.ElectionID,
			RegionID:      req.RegionID,
			Method:        types.Method(req.Method),
			SingleChoice:  req.SingleChoice,
			RankedChoices: req.RankedChoices,
		},
	}
	if err := env.Validate(); err != nil {
		writeFieldError(w, err)
		return
	}

	// Reject votes outside the election window before they cost a queue slot.
	election, err := a.windows.election(r.Context(), req.ElectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.IngestRejected.WithLabelValues("unknown_election").Inc()
			ErrElectionNotFound.Withf("election %d", req.ElectionID).Write(w)
			return
		}
		log.Warnw("could not read election definition", "electionId", req.ElectionID, "error", err)
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	if !election.WindowOpen(env.ReceivedAt) {
		metrics.IngestRejected.WithLabelValues("window_closed").Inc()
		ErrElectionClosed.Write(w)
		return
	}
	a.publishEnvelope(w, r, env)
}

// decodeRequest reads and decodes a JSON submission body, enforcing the
// maximum body size. It writes the error response itself and returns false
// when the request cannot proceed.
func (a *API) decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.IngestRejected.WithLabelValues("too_large").Inc()
			ErrPayloadTooLarge.Withf("limit is %d bytes", a.maxBodyBytes).Write(w)
			return false
		}
		metrics.IngestRejected.WithLabelValues("malformed_body").Inc()
		ErrMalformedBody.WithErr(err).Write(w)
		return false
	}
	return true
}

// validateCredentials checks the submitted credential shape. The values
// themselves are never logged or echoed back.
func validateCredentials(nas, code string) *Error {
	if !fingerprint.ValidNAS(nas) {
		metrics.IngestRejected.WithLabelValues("invalid_nas").Inc()
		apiErr := ErrMalformedField.WithField("nas").With("must be exactly 9 digits")
		return &apiErr
	}
	if !fingerprint.ValidCode(code) {
		metrics.IngestRejected.WithLabelValues("invalid_code").Inc()
		apiErr := ErrMalformedField.WithField("code").With("must be exactly 6 alphanumeric characters")
		return &apiErr
	}
	return nil
}

// writeFieldError maps an envelope shape failure to the 400 response naming
// the offending field.
func writeFieldError(w http.ResponseWriter, err error) {
	var fieldErr *types.FieldError
	if errors.As(err, &fieldErr) {
		metrics.IngestRejected.WithLabelValues("invalid_field").Inc()
		ErrMalformedField.WithField(fieldErr.Field).With(fieldErr.Msg).Write(w)
		return
	}
	ErrMalformedBody.WithErr(err).Write(w)
}

// publishEnvelope confirms the envelope into the validation queue and writes
// the 202 response. Publish failures, including queue back-pressure, come
// back as 503 so the client knows to retry later.
func (a *API) publishEnvelope(w http.ResponseWriter, r *http.Request, env *types.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.confirmTimeout)
	defer cancel()
	start := time.Now()
	if err := a.bus.PublishWait(ctx, bus.QueueValidation, body, env.RoutingKey()); err != nil {
		metrics.IngestRejected.WithLabelValues("queue_unavailable").Inc()
		log.Warnw("vote publish failed", "kind", env.Kind.String(), "error", err)
		ErrQueueUnavailable.WithErr(err).Write(w)
		return
	}
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	metrics.IngestedVotes.WithLabelValues(env.Kind.String()).Inc()
	httpWriteJSONWithStatus(w, http.StatusAccepted, &VoteResponse{
		RequestID: uuid.New().String(),
		Status:    VoteStatusQueued,
	})
}
