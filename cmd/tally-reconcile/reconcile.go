package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// lawKey identifies one countable referendum answer.
type lawKey struct {
	BallotID string
	Choice   types.Choice
}

// electionKey identifies one countable candidate preference.
type electionKey struct {
	ElectionID  int64
	RegionID    int64
	CandidateID int64
}

// counter compares the three places a vote can be at rest: the audit log
// (expected), the aggregation queue (inFlight) and the tally row (applied).
// The sample keeps one rebuilt envelope around so missing counts can be
// republished without knowing which exact submission was lost.
type counter struct {
	expected int64
	inFlight int64
	applied  int64
	sample   *types.Envelope
}

func (c *counter) drift() int64 {
	return c.expected - c.inFlight - c.applied
}

// report holds the reconciliation state for every tally key seen in the
// audit log, the queue or the tally rows.
type report struct {
	laws      map[lawKey]*counter
	elections map[electionKey]*counter

	audits     int64
	unreadable int64
	queued     int64
	queueSeen  bool
}

func newReport() *report {
	return &report{
		laws:      make(map[lawKey]*counter),
		elections: make(map[electionKey]*counter),
	}
}

// envelopeFromAudit rebuilds the accepted envelope an audit row was written
// for. Law rows store the bare answer and use the ballot ID as scope;
// election rows store the whole payload as a JSON document.
func envelopeFromAudit(rec *types.AuditRecord) (*types.Envelope, error) {
	env := &types.Envelope{
		Fingerprint: rec.Fingerprint,
		ReceivedAt:  rec.ReceivedAt,
		Status:      types.StatusAccepted,
	}
	if choice := types.Choice(rec.ChoicePayload); choice.Valid() {
		env.Kind = types.KindLaw
		env.Law = &types.LawPayload{BallotID: rec.Scope, Choice: choice}
	} else {
		var p types.ElectionPayload
		if err := json.Unmarshal([]byte(rec.ChoicePayload), &p); err != nil {
			return nil, fmt.Errorf("unreadable choice payload: %w", err)
		}
		if scope := fingerprint.ElectionScope(p.ElectionID); scope != rec.Scope {
			return nil, fmt.Errorf("scope %q does not match election %d", rec.Scope, p.ElectionID)
		}
		env.Kind = types.KindElection
		env.Election = &p
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("rebuilds an invalid envelope: %w", err)
	}
	return env, nil
}

func (r *report) lawCounter(k lawKey) *counter {
	c, ok := r.laws[k]
	if !ok {
		c = &counter{}
		r.laws[k] = c
	}
	return c
}

func (r *report) electionCounter(k electionKey) *counter {
	c, ok := r.elections[k]
	if !ok {
		c = &counter{}
		r.elections[k] = c
	}
	return c
}

// add resolves the envelope to its tally key and returns that key's counter.
// Envelopes without a creditable preference return nil; the validators never
// accept those.
func (r *report) add(env *types.Envelope) *counter {
	switch env.Kind {
	case types.KindLaw:
		return r.lawCounter(lawKey{BallotID: env.Law.BallotID, Choice: env.Law.Choice})
	case types.KindElection:
		candidate, ok := env.FirstPreference()
		if !ok {
			return nil
		}
		return r.electionCounter(electionKey{
			ElectionID:  env.Election.ElectionID,
			RegionID:    env.Election.RegionID,
			CandidateID: candidate,
		})
	}
	return nil
}

// loadAudits streams the accepted audit rows and folds them into the
// expected counts.
func (r *report) loadAudits(ctx context.Context, st store.Store) error {
	err := st.AcceptedAudits(ctx, func(rec *types.AuditRecord) bool {
		env, err := envelopeFromAudit(rec)
		if err != nil {
			log.Warnw("skipping audit row",
				"fingerprint", rec.Fingerprint,
				"scope", rec.Scope,
				"error", err)
			r.unreadable++
			return true
		}
		if c := r.add(env); c != nil {
			c.expected++
			if c.sample == nil {
				c.sample = env
			}
		}
		r.audits++
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to stream audit rows: %w", err)
	}
	return nil
}

// subtractQueued counts the accepted envelopes still sitting in the
// aggregation queue. Those have an audit row but no tally row yet, so they
// are deducted before the diff: they are late, not lost.
func (r *report) subtractQueued(b *bus.Bus) error {
	pending, err := b.Peek(bus.QueueAggregation, 0)
	if err != nil {
		return fmt.Errorf("failed to inspect the aggregation queue: %w", err)
	}
	for _, d := range pending {
		var env types.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			continue // the aggregator will dead-letter it
		}
		if env.Validate() != nil || env.Status != types.StatusAccepted {
			continue
		}
		if c := r.add(&env); c != nil {
			c.inFlight++
			r.queued++
		}
	}
	r.queueSeen = true
	return nil
}

// loadApplied reads the committed tally rows. Rows with no matching audit
// entry still get a counter so pure overcounts surface in the diff.
func (r *report) loadApplied(ctx context.Context, st store.Store) error {
	laws, err := st.LawTallies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list law tallies: %w", err)
	}
	for _, lt := range laws {
		r.setLawApplied(lawKey{BallotID: lt.BallotID, Choice: types.ChoiceYes}, lt.YesCount)
		r.setLawApplied(lawKey{BallotID: lt.BallotID, Choice: types.ChoiceNo}, lt.NoCount)
	}

	elections, err := st.ElectionTallies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list election tallies: %w", err)
	}
	for _, et := range elections {
		k := electionKey{ElectionID: et.ElectionID, RegionID: et.RegionID, CandidateID: et.CandidateID}
		if c, ok := r.elections[k]; ok {
			c.applied = et.VoteCount
		} else if et.VoteCount != 0 {
			r.elections[k] = &counter{applied: et.VoteCount}
		}
	}
	return nil
}

func (r *report) setLawApplied(k lawKey, count int64) {
	if c, ok := r.laws[k]; ok {
		c.applied = count
	} else if count != 0 {
		r.laws[k] = &counter{applied: count}
	}
}

// driftRow is one tally key whose committed count disagrees with the audit
// log after deducting in-flight envelopes.
type driftRow struct {
	key      string
	expected int64
	inFlight int64
	applied  int64
	drift    int64
	sample   *types.Envelope
}

// rows returns the drifted keys in a stable order: laws by ballot and
// answer, then elections by ID, region and candidate.
func (r *report) rows() []driftRow {
	var out []driftRow

	lawKeys := make([]lawKey, 0, len(r.laws))
	for k := range r.laws {
		lawKeys = append(lawKeys, k)
	}
	sort.Slice(lawKeys, func(i, j int) bool {
		if lawKeys[i].BallotID != lawKeys[j].BallotID {
			return lawKeys[i].BallotID < lawKeys[j].BallotID
		}
		return lawKeys[i].Choice < lawKeys[j].Choice
	})
	for _, k := range lawKeys {
		if c := r.laws[k]; c.drift() != 0 {
			out = append(out, driftRow{
				key:      fmt.Sprintf("law %s %s", k.BallotID, k.Choice),
				expected: c.expected,
				inFlight: c.inFlight,
				applied:  c.applied,
				drift:    c.drift(),
				sample:   c.sample,
			})
		}
	}

	electionKeys := make([]electionKey, 0, len(r.elections))
	for k := range r.elections {
		electionKeys = append(electionKeys, k)
	}
	sort.Slice(electionKeys, func(i, j int) bool {
		a, b := electionKeys[i], electionKeys[j]
		if a.ElectionID != b.ElectionID {
			return a.ElectionID < b.ElectionID
		}
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		return a.CandidateID < b.CandidateID
	})
	for _, k := range electionKeys {
		if c := r.elections[k]; c.drift() != 0 {
			out = append(out, driftRow{
				key:      fmt.Sprintf("election %d region %d candidate %d", k.ElectionID, k.RegionID, k.CandidateID),
				expected: c.expected,
				inFlight: c.inFlight,
				applied:  c.applied,
				drift:    c.drift(),
				sample:   c.sample,
			})
		}
	}
	return out
}

// emitMissing republishes one copy of the sample envelope per missing count
// so the aggregator folds the difference back in. Overcounted keys cannot be
// repaired this way and are left to the operator.
func emitMissing(b *bus.Bus, rows []driftRow) (int64, error) {
	var emitted int64
	for _, row := range rows {
		if row.drift <= 0 || row.sample == nil {
			continue
		}
		body, err := json.Marshal(row.sample)
		if err != nil {
			return emitted, fmt.Errorf("failed to encode envelope for %s: %w", row.key, err)
		}
		for i := int64(0); i < row.drift; i++ {
			if err := b.Publish(bus.QueueAggregation, body, row.sample.RoutingKey()); err != nil {
				return emitted, fmt.Errorf("failed to publish envelope for %s: %w", row.key, err)
			}
			emitted++
		}
		log.Infow("republished missing envelopes", "key", row.key, "count", row.drift)
	}
	return emitted, nil
}
