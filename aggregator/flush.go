package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/metrics"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// decode parses a delivery into an accepted envelope. The aggregation queue
// only ever receives envelopes the validators accepted, so anything else is
// a permanent failure and is parked in review rather than retried.
func (a *Aggregator) decode(d *bus.Delivery) (*types.Envelope, bool) {
	env := new(types.Envelope)
	if err := json.Unmarshal(d.Body, env); err != nil {
		a.reject(d, fmt.Sprintf("undecodable payload: %v", err))
		return nil, false
	}
	if err := env.Validate(); err != nil {
		a.reject(d, err.Error())
		return nil, false
	}
	if env.Status != types.StatusAccepted {
		a.reject(d, fmt.Sprintf("unexpected status %q", env.Status))
		return nil, false
	}
	return env, true
}

// reject dead-letters one delivery to the review queue.
func (a *Aggregator) reject(d *bus.Delivery, reason string) {
	log.Warnw("dead-lettering aggregation delivery", "seq", d.Seq, "reason", reason)
	a.deadLettered.Add(1)
	metrics.DeadLettered.WithLabelValues(bus.QueueAggregation).Inc()
	if err := a.bus.Nack(bus.QueueAggregation, d.Seq, false, 0); err != nil {
		log.Warnw("dead-letter nack failed", "seq", d.Seq, "error", err)
	}
}

// flush folds the batch into tally deltas, commits them in one transaction
// and acks every delivery. On retry exhaustion the whole batch moves to
// review: the envelopes stay inspectable and the queue keeps moving.
func (a *Aggregator) flush(buf *batch) {
	if buf.size() == 0 {
		return
	}
	defer buf.reset()

	deltas := fold(buf.items)
	start := time.Now()
	if err := a.commit(&deltas); err != nil {
		log.Errorw(err, fmt.Sprintf("tally batch dead-lettered after %d attempts", a.opts.MaxRetry))
		for _, p := range buf.items {
			a.deadLettered.Add(1)
			metrics.DeadLettered.WithLabelValues(bus.QueueAggregation).Inc()
			if err := a.bus.Nack(bus.QueueAggregation, p.seq, false, 0); err != nil {
				log.Warnw("dead-letter nack failed", "seq", p.seq, "error", err)
			}
		}
		return
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.AggregationBatches.Inc()
	metrics.AggregatedEnvelopes.Add(float64(buf.size()))
	a.batches.Add(1)
	a.envelopes.Add(int64(buf.size()))

	for _, p := range buf.items {
		if err := a.bus.Ack(bus.QueueAggregation, p.seq); err != nil {
			// The commit already happened; a lost ack means a redelivery
			// that re-applies this envelope's delta. Log it so the
			// reconcile tool can explain the drift.
			log.Warnw("ack failed after commit", "seq", p.seq, "error", err)
		}
	}
	log.Debugw("tally batch committed",
		"envelopes", buf.size(),
		"laws", len(deltas.Laws),
		"elections", len(deltas.Elections),
		"took", time.Since(start).String())
}

// commit applies the deltas with bounded retries and doubling backoff.
func (a *Aggregator) commit(deltas *store.TallyDeltas) error {
	backoff := a.opts.RetryBase
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.StatementTimeout)
		err := a.st.ApplyDeltas(ctx, deltas)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= a.opts.MaxRetry {
			return err
		}
		a.retries.Add(1)
		metrics.AggregationRetries.Inc()
		log.Warnw("tally commit failed, retrying",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// fold collapses a batch into additive per-key deltas, so a thousand
// envelopes for one ballot reach the store as a single row update. Slice
// order follows first appearance, which keeps commits deterministic.
func fold(items []pending) store.TallyDeltas {
	var out store.TallyDeltas
	laws := make(map[string]int)
	elections := make(map[[3]int64]int)
	for _, p := range items {
		switch p.env.Kind {
		case types.KindLaw:
			id := p.env.Law.BallotID
			i, ok := laws[id]
			if !ok {
				i = len(out.Laws)
				out.Laws = append(out.Laws, store.LawDelta{BallotID: id})
				laws[id] = i
			}
			if p.env.Law.Choice == types.ChoiceYes {
				out.Laws[i].Yes++
			} else {
				out.Laws[i].No++
			}
		case types.KindElection:
			candidate, ok := p.env.FirstPreference()
			if !ok {
				continue
			}
			key := [3]int64{p.env.Election.ElectionID, p.env.Election.RegionID, candidate}
			i, ok := elections[key]
			if !ok {
				i = len(out.Elections)
				out.Elections = append(out.Elections, store.ElectionDelta{
					ElectionID:  key[0],
					RegionID:    key[1],
					CandidateID: key[2],
				})
				elections[key] = i
			}
			out.Elections[i].Votes++
		}
	}
	return out
}
