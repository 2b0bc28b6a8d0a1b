package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/fingerprint"
)

func testFingerprint() fingerprint.Fingerprint {
	return fingerprint.Compute("123456789", "ABC123", "L2025-001")
}

func lawEnvelope() *Envelope {
	return &Envelope{
		Kind:        KindLaw,
		Fingerprint: testFingerprint(),
		ReceivedAt:  time.Now().UTC(),
		Law:         &LawPayload{BallotID: "L2025-001", Choice: ChoiceYes},
	}
}

func electionEnvelope(method Method) *Envelope {
	p := &ElectionPayload{ElectionID: 1, RegionID: 2, Method: method}
	switch method {
	case MethodSingle:
		choice := int64(7)
		p.SingleChoice = &choice
	case MethodRanked:
		p.RankedChoices = []int64{7, 3, 9}
	}
	return &Envelope{
		Kind:        KindElection,
		Fingerprint: fingerprint.Compute("123456789", "ABC123", fingerprint.ElectionScope(1)),
		ReceivedAt:  time.Now().UTC(),
		Election:    p,
	}
}

func TestEnvelopeValidate(t *testing.T) {
	c := qt.New(t)

	c.Assert(lawEnvelope().Validate(), qt.IsNil)
	c.Assert(electionEnvelope(MethodSingle).Validate(), qt.IsNil)
	c.Assert(electionEnvelope(MethodRanked).Validate(), qt.IsNil)

	assertField := func(e *Envelope, field string) {
		err := e.Validate()
		c.Assert(err, qt.IsNotNil)
		var fe *FieldError
		c.Assert(errors.As(err, &fe), qt.IsTrue)
		c.Assert(fe.Field, qt.Equals, field)
	}

	e := lawEnvelope()
	e.Kind = "referendum"
	assertField(e, "kind")

	e = lawEnvelope()
	e.Fingerprint = "not-hex"
	assertField(e, "fingerprint")

	e = lawEnvelope()
	e.ReceivedAt = time.Time{}
	assertField(e, "received_at")

	e = lawEnvelope()
	e.Law = nil
	assertField(e, "law")

	// A law envelope with an election payload attached is malformed.
	e = lawEnvelope()
	e.Election = electionEnvelope(MethodSingle).Election
	assertField(e, "law")

	e = lawEnvelope()
	e.Law.BallotID = ""
	assertField(e, "ballot_id")

	e = lawEnvelope()
	e.Law.BallotID = strings.Repeat("x", MaxBallotIDLength+1)
	assertField(e, "ballot_id")

	e = lawEnvelope()
	e.Law.Choice = "maybe"
	assertField(e, "choice")

	e = electionEnvelope(MethodSingle)
	e.Election.ElectionID = 0
	assertField(e, "election_id")

	e = electionEnvelope(MethodSingle)
	e.Election.RegionID = -1
	assertField(e, "region_id")

	e = electionEnvelope(MethodSingle)
	e.Election.Method = "approval"
	assertField(e, "method")

	e = electionEnvelope(MethodSingle)
	e.Election.SingleChoice = nil
	assertField(e, "single_choice")

	// Both payload shapes at once is malformed.
	e = electionEnvelope(MethodSingle)
	e.Election.RankedChoices = []int64{1}
	assertField(e, "single_choice")

	e = electionEnvelope(MethodRanked)
	e.Election.RankedChoices = nil
	assertField(e, "ranked_choices")

	e = electionEnvelope(MethodRanked)
	e.Election.RankedChoices = []int64{7, 3, 7}
	assertField(e, "ranked_choices")
}

func TestEnvelopeScope(t *testing.T) {
	c := qt.New(t)

	c.Assert(lawEnvelope().Scope(), qt.Equals, "L2025-001")
	c.Assert(electionEnvelope(MethodSingle).Scope(), qt.Equals, "election:1")
	c.Assert(lawEnvelope().RoutingKey(), qt.Equals, RoutingKeyLaw)
	c.Assert(electionEnvelope(MethodRanked).RoutingKey(), qt.Equals, RoutingKeyElection)
}

func TestFirstPreference(t *testing.T) {
	c := qt.New(t)

	id, ok := electionEnvelope(MethodSingle).FirstPreference()
	c.Assert(ok, qt.IsTrue)
	c.Assert(id, qt.Equals, int64(7))

	id, ok = electionEnvelope(MethodRanked).FirstPreference()
	c.Assert(ok, qt.IsTrue)
	c.Assert(id, qt.Equals, int64(7))

	_, ok = lawEnvelope().FirstPreference()
	c.Assert(ok, qt.IsFalse)
}

func TestChoicePayload(t *testing.T) {
	c := qt.New(t)

	c.Assert(lawEnvelope().ChoicePayload(), qt.Equals, "yes")

	// The ranked payload keeps the whole ranking for re-tabulation.
	payload := electionEnvelope(MethodRanked).ChoicePayload()
	var decoded ElectionPayload
	c.Assert(json.Unmarshal([]byte(payload), &decoded), qt.IsNil)
	c.Assert(decoded.RankedChoices, qt.DeepEquals, []int64{7, 3, 9})
	c.Assert(decoded.Method, qt.Equals, MethodRanked)
}

func TestEnvelopeWireFormat(t *testing.T) {
	c := qt.New(t)

	raw := `{
		"kind": "election",
		"fingerprint": "5caeec5e79a19de66182dcdf0fc30207846120de6337984b29339bb9e5b06d9b",
		"received_at": "2025-06-01T10:00:00Z",
		"election": {
			"election_id": 1, "region_id": 2,
			"method": "ranked", "ranked_choices": [7, 3, 9]
		},
		"status": "duplicate",
		"attempt_count": 2
	}`
	var e Envelope
	c.Assert(json.Unmarshal([]byte(raw), &e), qt.IsNil)
	c.Assert(e.Validate(), qt.IsNil)
	c.Assert(e.Status, qt.Equals, StatusDuplicate)
	c.Assert(e.AttemptCount, qt.Equals, int64(2))
	c.Assert(e.ReceivedAt.UTC(), qt.Equals, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	// Validation-stage law envelopes omit status and the election payload.
	out, err := json.Marshal(lawEnvelope())
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Contains(string(out), `"status"`), qt.IsFalse)
	c.Assert(strings.Contains(string(out), `"election"`), qt.IsFalse)
	c.Assert(strings.Contains(string(out), `"law"`), qt.IsTrue)
}

func TestElectionWindow(t *testing.T) {
	c := qt.New(t)

	e := &Election{
		ID:      1,
		StartAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		Method:  MethodSingle,
	}
	c.Assert(e.WindowOpen(e.StartAt), qt.IsTrue)
	c.Assert(e.WindowOpen(e.StartAt.Add(time.Hour)), qt.IsTrue)
	c.Assert(e.WindowOpen(e.EndAt), qt.IsFalse)
	c.Assert(e.WindowOpen(e.StartAt.Add(-time.Second)), qt.IsFalse)
}
