// Package testutil provides shared fixtures for the pipeline tests: raw
// credentials, prebuilt envelopes and queue seeding helpers.
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/types"
	"github.com/vocdoni/scrutin-node/util"
)

// Credential is a raw voter credential pair. Tests derive fingerprints from
// it the same way the ingestion handler does.
type Credential struct {
	NAS  string
	Code string
}

// RandomCredential returns a random well-formed credential.
func RandomCredential() Credential {
	return Credential{
		NAS:  util.RandomDigits(9),
		Code: strings.ToUpper(util.RandomHex(3)),
	}
}

// Fingerprint derives the credential's fingerprint for a ballot scope.
func (c Credential) Fingerprint(scope string) fingerprint.Fingerprint {
	return fingerprint.Compute(c.NAS, c.Code, scope)
}

// LawEnvelope builds a law vote envelope for the credential.
func LawEnvelope(cred Credential, ballotID string, choice types.Choice) *types.Envelope {
	return &types.Envelope{
		Kind:        types.KindLaw,
		Fingerprint: cred.Fingerprint(ballotID),
		ReceivedAt:  time.Now().UTC(),
		Law: &types.LawPayload{
			BallotID: ballotID,
			Choice:   choice,
		},
	}
}

// ElectionEnvelope builds a single-choice election vote envelope.
func ElectionEnvelope(cred Credential, electionID, regionID, candidate int64) *types.Envelope {
	return &types.Envelope{
		Kind:        types.KindElection,
		Fingerprint: cred.Fingerprint(fingerprint.ElectionScope(electionID)),
		ReceivedAt:  time.Now().UTC(),
		Election: &types.ElectionPayload{
			ElectionID:   electionID,
			RegionID:     regionID,
			Method:       types.MethodSingle,
			SingleChoice: &candidate,
		},
	}
}

// RankedEnvelope builds a ranked-choice election vote envelope.
func RankedEnvelope(cred Credential, electionID, regionID int64, ranked []int64) *types.Envelope {
	return &types.Envelope{
		Kind:        types.KindElection,
		Fingerprint: cred.Fingerprint(fingerprint.ElectionScope(electionID)),
		ReceivedAt:  time.Now().UTC(),
		Election: &types.ElectionPayload{
			ElectionID:    electionID,
			RegionID:      regionID,
			Method:        types.MethodRanked,
			RankedChoices: ranked,
		},
	}
}

// OpenElection returns an election whose voting window contains the present.
func OpenElection(id int64, method types.Method) *types.Election {
	now := time.Now().UTC()
	return &types.Election{
		ID:      id,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
		Method:  method,
	}
}

// SeedValid loads the fingerprints of the given envelopes into the valid set.
func SeedValid(tb testing.TB, creds credstore.Store, envs ...*types.Envelope) {
	tb.Helper()
	fps := make([]fingerprint.Fingerprint, 0, len(envs))
	for _, env := range envs {
		fps = append(fps, env.Fingerprint)
	}
	_, err := creds.LoadValid(context.Background(), fps)
	qt.Assert(tb, err, qt.IsNil)
}

// PublishEnvelope marshals an envelope into the given queue.
func PublishEnvelope(tb testing.TB, b *bus.Bus, queue string, env *types.Envelope) {
	tb.Helper()
	body, err := json.Marshal(env)
	qt.Assert(tb, err, qt.IsNil)
	qt.Assert(tb, b.Publish(queue, body, env.RoutingKey()), qt.IsNil)
}
