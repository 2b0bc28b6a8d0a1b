package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/metrics"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// ErrInconsistentState is the one failure a worker cannot classify: an
// accepted audit row exists for a fingerprint that is not claimed. It stops
// the pool so an operator can diagnose before more votes are processed.
var ErrInconsistentState = errors.New("accepted audit exists for unclaimed fingerprint")

// process runs one delivery through the validation pipeline. Every parseable
// envelope ends with exactly one audit row, one publish (aggregation or
// review) and one acknowledgment; unparseable ones are dead-lettered. The
// returned error is nil for everything except a fatal inconsistency.
func (p *Pool) process(d *bus.Delivery) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.MessageTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	}()
	p.processed.Add(1)

	env := new(types.Envelope)
	if err := decodeStrict(d.Body, env); err != nil {
		// Permanent: the body cannot be understood, not even to annotate it.
		// The dead-letter move parks the raw bytes in the review queue.
		log.Warnw("malformed envelope", "seq", d.Seq, "error", err)
		metrics.ValidatedVotes.WithLabelValues("malformed").Inc()
		return p.deadLetter(d)
	}
	if err := env.Validate(); err != nil {
		return p.finishInvalid(ctx, d, env, err.Error())
	}
	if p.opts.EnforceWindow && env.Kind == types.KindElection {
		open, reason, err := p.windowOpen(ctx, env)
		if err != nil {
			return p.requeue(d, err)
		}
		if !open {
			return p.finishInvalid(ctx, d, env, reason)
		}
	}

	valid, err := p.creds.IsValid(ctx, env.Fingerprint)
	if err != nil {
		return p.requeue(d, err)
	}
	if !valid {
		claimed, err := p.creds.IsClaimed(ctx, env.Fingerprint)
		if err != nil {
			return p.requeue(d, err)
		}
		if claimed {
			// Claimed but no longer in the valid set: cannot happen while
			// the credential generator behaves, so make it visible.
			log.Warnw("claimed fingerprint missing from valid set",
				"fingerprint", env.Fingerprint.String(), "scope", env.Scope())
			return p.finishDuplicate(ctx, d, env)
		}
		return p.finishInvalid(ctx, d, env, "credential not in valid set")
	}

	inserted, err := p.creds.Claim(ctx, env.Fingerprint)
	if err != nil {
		return p.requeue(d, err)
	}
	if !inserted {
		return p.finishDuplicate(ctx, d, env)
	}
	return p.finishAccepted(ctx, d, env)
}

// finishAccepted writes the accepted audit row and forwards the envelope to
// the aggregation queue. The audit insert is the gate: when its uniqueness
// index fires, this envelope already went through on a previous delivery.
func (p *Pool) finishAccepted(ctx context.Context, d *bus.Delivery, env *types.Envelope) error {
	rec := &types.AuditRecord{
		Fingerprint:   env.Fingerprint,
		Scope:         env.Scope(),
		ChoicePayload: env.ChoicePayload(),
		Status:        types.StatusAccepted,
		ReceivedAt:    env.ReceivedAt,
		ProcessedAt:   time.Now().UTC(),
	}
	if err := p.st.InsertAudit(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateAudit) {
			claimed, cerr := p.creds.IsClaimed(ctx, env.Fingerprint)
			if cerr != nil {
				return p.requeue(d, cerr)
			}
			if !claimed {
				log.Errorw(ErrInconsistentState, "stopping validator pool")
				return fmt.Errorf("%w: fingerprint %s scope %s",
					ErrInconsistentState, env.Fingerprint, env.Scope())
			}
			log.Warnw("accepted audit already present, reclassifying as duplicate",
				"fingerprint", env.Fingerprint.String(), "scope", env.Scope())
			return p.finishDuplicate(ctx, d, env)
		}
		return p.requeue(d, err)
	}

	env.Status = types.StatusAccepted
	body, err := json.Marshal(env)
	if err != nil {
		return p.requeue(d, err)
	}
	// A full aggregation queue is back-pressure, not an outcome: retry later.
	if err := p.bus.Publish(bus.QueueAggregation, body, env.RoutingKey()); err != nil {
		return p.requeue(d, err)
	}
	metrics.ValidatedVotes.WithLabelValues(types.StatusAccepted.String()).Inc()
	p.accepted.Add(1)
	return p.ack(d)
}

// finishDuplicate increments the duplicate counter, audits the attempt and
// parks the annotated envelope in the review queue.
func (p *Pool) finishDuplicate(ctx context.Context, d *bus.Delivery, env *types.Envelope) error {
	attempt, err := p.creds.RecordDuplicate(ctx, env.Fingerprint)
	if err != nil {
		return p.requeue(d, err)
	}
	rec := &types.AuditRecord{
		Fingerprint:   env.Fingerprint,
		Scope:         env.Scope(),
		ChoicePayload: env.ChoicePayload(),
		Status:        types.StatusDuplicate,
		AttemptCount:  attempt,
		ReceivedAt:    env.ReceivedAt,
		ProcessedAt:   time.Now().UTC(),
	}
	if err := p.st.InsertAudit(ctx, rec); err != nil {
		return p.requeue(d, err)
	}
	env.Status = types.StatusDuplicate
	env.AttemptCount = attempt
	body, err := json.Marshal(env)
	if err != nil {
		return p.requeue(d, err)
	}
	if err := p.bus.Publish(bus.QueueReview, body, env.RoutingKey()); err != nil {
		return p.requeue(d, err)
	}
	metrics.ValidatedVotes.WithLabelValues(types.StatusDuplicate.String()).Inc()
	p.duplicates.Add(1)
	return p.ack(d)
}

// finishInvalid audits the rejection and parks the annotated envelope in the
// review queue.
func (p *Pool) finishInvalid(ctx context.Context, d *bus.Delivery, env *types.Envelope, reason string) error {
	rec := &types.AuditRecord{
		Fingerprint:   env.Fingerprint,
		Scope:         env.Scope(),
		ChoicePayload: env.ChoicePayload(),
		Status:        types.StatusInvalid,
		Error:         reason,
		ReceivedAt:    env.ReceivedAt,
		ProcessedAt:   time.Now().UTC(),
	}
	if err := p.st.InsertAudit(ctx, rec); err != nil {
		return p.requeue(d, err)
	}
	env.Status = types.StatusInvalid
	env.Error = reason
	body, err := json.Marshal(env)
	if err != nil {
		return p.requeue(d, err)
	}
	if err := p.bus.Publish(bus.QueueReview, body, env.RoutingKey()); err != nil {
		return p.requeue(d, err)
	}
	metrics.ValidatedVotes.WithLabelValues(types.StatusInvalid.String()).Inc()
	p.invalid.Add(1)
	return p.ack(d)
}

// windowOpen checks the election window against the envelope's arrival time.
func (p *Pool) windowOpen(ctx context.Context, env *types.Envelope) (bool, string, error) {
	e, err := p.st.Election(ctx, env.Election.ElectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Sprintf("unknown election %d", env.Election.ElectionID), nil
		}
		return false, "", err
	}
	if !e.WindowOpen(env.ReceivedAt) {
		return false, "received outside the voting window", nil
	}
	return true, "", nil
}

// requeue returns a delivery to the queue after a transient failure,
// dead-lettering it once it has exhausted its delivery budget.
func (p *Pool) requeue(d *bus.Delivery, cause error) error {
	if d.Attempts+1 >= maxDeliveryAttempts {
		log.Errorw(cause, fmt.Sprintf("envelope exhausted %d delivery attempts, dead-lettering", maxDeliveryAttempts))
		return p.deadLetter(d)
	}
	log.Warnw("transient failure, requeueing envelope",
		"seq", d.Seq, "attempts", d.Attempts, "error", cause)
	metrics.ValidatedVotes.WithLabelValues("requeued").Inc()
	p.requeued.Add(1)
	if err := p.bus.Nack(bus.QueueValidation, d.Seq, true, p.opts.RequeueDelay); err != nil {
		log.Errorw(err, "could not requeue delivery")
	}
	return nil
}

// deadLetter moves a delivery to the review queue via the broker's
// dead-letter path.
func (p *Pool) deadLetter(d *bus.Delivery) error {
	metrics.DeadLettered.WithLabelValues(bus.QueueValidation).Inc()
	p.deadLettered.Add(1)
	if err := p.bus.Nack(bus.QueueValidation, d.Seq, false, 0); err != nil {
		log.Errorw(err, "could not dead-letter delivery")
	}
	return nil
}

// ack finishes a delivery. Failures only log: the reservation will expire
// and the redelivery resolves as a duplicate of this worker's own claim.
func (p *Pool) ack(d *bus.Delivery) error {
	if err := p.bus.Ack(bus.QueueValidation, d.Seq); err != nil {
		log.Warnw("could not ack delivery", "seq", d.Seq, "error", err)
	}
	return nil
}

// decodeStrict parses an envelope rejecting unknown fields and trailing
// garbage, so payload corruption surfaces as malformed instead of silently
// dropping data.
func decodeStrict(body []byte, env *types.Envelope) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(env); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after envelope")
	}
	return nil
}
