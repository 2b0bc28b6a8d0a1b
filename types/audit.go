package types

import (
	"time"

	"github.com/vocdoni/scrutin-node/fingerprint"
)

// AuditRecord is the per-submission trace row. One row is written for every
// envelope a validation worker processes, whatever the outcome. Rows with
// status accepted are unique per (fingerprint, scope); duplicate and invalid
// rows may repeat.
type AuditRecord struct {
	ID            string                  `json:"id,omitempty" bson:"_id,omitempty"`
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint" bson:"fingerprint"`
	Scope         string                  `json:"scope" bson:"scope"`
	ChoicePayload string                  `json:"choice_payload" bson:"choice_payload"`
	Status        EnvelopeStatus          `json:"status" bson:"status"`
	AttemptCount  int64                   `json:"attempt_count,omitempty" bson:"attempt_count,omitempty"`
	Error         string                  `json:"error,omitempty" bson:"error,omitempty"`
	ReceivedAt    time.Time               `json:"received_at" bson:"received_at"`
	ProcessedAt   time.Time               `json:"processed_at" bson:"processed_at"`
}
