package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vocdoni/scrutin-node/fingerprint"
)

// BallotKind discriminates the two ballot families carried by an envelope.
type BallotKind string

const (
	KindLaw      BallotKind = "law"
	KindElection BallotKind = "election"
)

// Valid reports whether the kind is a known ballot family.
func (k BallotKind) Valid() bool {
	return k == KindLaw || k == KindElection
}

func (k BallotKind) String() string {
	return string(k)
}

// EnvelopeStatus is the outcome a validation worker assigns to an envelope.
// The same values are persisted in audit rows.
type EnvelopeStatus string

const (
	StatusAccepted  EnvelopeStatus = "accepted"
	StatusDuplicate EnvelopeStatus = "duplicate"
	StatusInvalid   EnvelopeStatus = "invalid"
)

// Valid reports whether the status is a known worker outcome.
func (s EnvelopeStatus) Valid() bool {
	return s == StatusAccepted || s == StatusDuplicate || s == StatusInvalid
}

func (s EnvelopeStatus) String() string {
	return string(s)
}

// Routing keys for envelopes published to the validation queue.
const (
	RoutingKeyLaw      = "vote.validation.law"
	RoutingKeyElection = "vote.validation.election"
)

// LawPayload is the per-referendum part of a law vote envelope.
type LawPayload struct {
	BallotID string `json:"ballot_id"`
	Choice   Choice `json:"choice"`
}

// ElectionPayload is the per-election part of a candidate vote envelope.
// Exactly one of SingleChoice or RankedChoices is set, matching Method.
type ElectionPayload struct {
	ElectionID    int64   `json:"election_id"`
	RegionID      int64   `json:"region_id"`
	Method        Method  `json:"method"`
	SingleChoice  *int64  `json:"single_choice,omitempty"`
	RankedChoices []int64 `json:"ranked_choices,omitempty"`
}

// Envelope is the wire unit that travels the pipeline queues. It carries the
// fingerprint in place of the voter's raw secrets; those never make it past
// the ingestion handler.
type Envelope struct {
	Kind        BallotKind              `json:"kind"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	ReceivedAt  time.Time               `json:"received_at"`
	Law         *LawPayload             `json:"law,omitempty"`
	Election    *ElectionPayload        `json:"election,omitempty"`

	// Set by validation workers on envelopes bound for aggregation or
	// review. AttemptCount is only meaningful for duplicates.
	Status       EnvelopeStatus `json:"status,omitempty"`
	AttemptCount int64          `json:"attempt_count,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Scope returns the ballot scope the envelope's fingerprint is bound to: the
// referendum ID for law votes, the election scope identifier for elections.
func (e *Envelope) Scope() string {
	switch e.Kind {
	case KindLaw:
		if e.Law != nil {
			return e.Law.BallotID
		}
	case KindElection:
		if e.Election != nil {
			return fingerprint.ElectionScope(e.Election.ElectionID)
		}
	}
	return ""
}

// RoutingKey returns the validation queue routing key for the envelope's kind.
func (e *Envelope) RoutingKey() string {
	if e.Kind == KindElection {
		return RoutingKeyElection
	}
	return RoutingKeyLaw
}

// FirstPreference returns the candidate credited to the tally: the single
// choice, or the head of the ranked list. The second return is false for law
// envelopes and structurally empty payloads.
func (e *Envelope) FirstPreference() (int64, bool) {
	if e.Kind != KindElection || e.Election == nil {
		return 0, false
	}
	switch e.Election.Method {
	case MethodSingle:
		if e.Election.SingleChoice != nil {
			return *e.Election.SingleChoice, true
		}
	case MethodRanked:
		if len(e.Election.RankedChoices) > 0 {
			return e.Election.RankedChoices[0], true
		}
	}
	return 0, false
}

// ChoicePayload renders the choice as stored in the audit row. Law votes
// store the bare answer; election votes store a small JSON document that
// keeps the full ranking available for later re-tabulation.
func (e *Envelope) ChoicePayload() string {
	switch e.Kind {
	case KindLaw:
		if e.Law != nil {
			return string(e.Law.Choice)
		}
	case KindElection:
		if e.Election != nil {
			raw, err := json.Marshal(e.Election)
			if err == nil {
				return string(raw)
			}
		}
	}
	return ""
}

// Validate performs the structural checks an envelope must pass before a
// worker acts on it. Failures come back as *FieldError naming the offending
// field.
func (e *Envelope) Validate() error {
	if !e.Kind.Valid() {
		return &FieldError{Field: "kind", Msg: fmt.Sprintf("unknown kind %q", e.Kind)}
	}
	if !e.Fingerprint.Valid() {
		return &FieldError{Field: "fingerprint", Msg: "not a 64-character lowercase hex string"}
	}
	if e.ReceivedAt.IsZero() {
		return &FieldError{Field: "received_at", Msg: "missing timestamp"}
	}
	switch e.Kind {
	case KindLaw:
		if e.Law == nil || e.Election != nil {
			return &FieldError{Field: "law", Msg: "law envelope must carry exactly the law payload"}
		}
		return e.Law.validate()
	case KindElection:
		if e.Election == nil || e.Law != nil {
			return &FieldError{Field: "election", Msg: "election envelope must carry exactly the election payload"}
		}
		return e.Election.validate()
	}
	return nil
}

func (p *LawPayload) validate() error {
	if p.BallotID == "" {
		return &FieldError{Field: "ballot_id", Msg: "must not be empty"}
	}
	if len(p.BallotID) > MaxBallotIDLength {
		return &FieldError{Field: "ballot_id", Msg: fmt.Sprintf("longer than %d characters", MaxBallotIDLength)}
	}
	if !p.Choice.Valid() {
		return &FieldError{Field: "choice", Msg: `must be "yes" or "no"`}
	}
	return nil
}

func (p *ElectionPayload) validate() error {
	if p.ElectionID <= 0 {
		return &FieldError{Field: "election_id", Msg: "must be a positive integer"}
	}
	if p.RegionID <= 0 {
		return &FieldError{Field: "region_id", Msg: "must be a positive integer"}
	}
	if !p.Method.Valid() {
		return &FieldError{Field: "method", Msg: `must be "single" or "ranked"`}
	}
	switch p.Method {
	case MethodSingle:
		if p.SingleChoice == nil || len(p.RankedChoices) > 0 {
			return &FieldError{Field: "single_choice", Msg: "single method requires single_choice and no ranked_choices"}
		}
		if *p.SingleChoice <= 0 {
			return &FieldError{Field: "single_choice", Msg: "must be a positive candidate ID"}
		}
	case MethodRanked:
		if len(p.RankedChoices) == 0 || p.SingleChoice != nil {
			return &FieldError{Field: "ranked_choices", Msg: "ranked method requires a non-empty ranked_choices and no single_choice"}
		}
		seen := make(map[int64]struct{}, len(p.RankedChoices))
		for _, id := range p.RankedChoices {
			if id <= 0 {
				return &FieldError{Field: "ranked_choices", Msg: "candidate IDs must be positive integers"}
			}
			if _, dup := seen[id]; dup {
				return &FieldError{Field: "ranked_choices", Msg: fmt.Sprintf("candidate %d listed twice", id)}
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}
