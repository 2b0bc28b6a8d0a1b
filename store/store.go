// Package store defines the authoritative persistence layer for tallies,
// audit rows and election metadata. Two backends implement it: an embedded
// key-value one for single-node deployments and tests, and a mongodb one for
// deployments where several nodes share the same tally database.
package store

import (
	"context"
	"errors"
	"math"

	"github.com/vocdoni/scrutin-node/types"
)

var (
	// ErrNotFound is returned when a queried row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateAudit is returned by InsertAudit when an accepted row for
	// the same (fingerprint, scope) already exists. A worker hitting it is
	// observing a previously finished claim.
	ErrDuplicateAudit = errors.New("duplicate audit entry")
)

// LawDelta accumulates accepted law votes for one referendum.
type LawDelta struct {
	BallotID string
	Yes      int64
	No       int64
}

// ElectionDelta accumulates accepted election votes for one candidate in one
// region.
type ElectionDelta struct {
	ElectionID  int64
	RegionID    int64
	CandidateID int64
	Votes       int64
}

// TallyDeltas is one aggregation batch folded by tally key. Deltas are
// additive, so applying a batch is idempotent per envelope only as long as
// each envelope is folded into exactly one applied batch; the bus's
// ack-after-commit ordering guarantees at-least-once, and re-applied batches
// surface through reconciliation rather than corrupting past counts.
type TallyDeltas struct {
	Laws      []LawDelta
	Elections []ElectionDelta
}

// Empty reports whether the batch carries no tally changes.
func (d *TallyDeltas) Empty() bool {
	return d == nil || (len(d.Laws) == 0 && len(d.Elections) == 0)
}

// Percentage returns 100*count/total rounded to two decimals, 0 when the
// region has no votes. Both backends store this next to the count so result
// reads stay a plain row fetch.
func Percentage(count, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*10000) / 100
}

// Store is the tally and audit backend. All write operations are atomic:
// InsertAudit writes one row, ApplyDeltas applies a whole batch in a single
// transaction.
type Store interface {
	// InsertAudit persists one audit row. For rows with status accepted it
	// enforces (fingerprint, scope) uniqueness, returning ErrDuplicateAudit
	// on a second insert.
	InsertAudit(ctx context.Context, rec *types.AuditRecord) error
	// AcceptedAudits streams audit rows with status accepted. Iteration
	// stops when fn returns false.
	AcceptedAudits(ctx context.Context, fn func(*types.AuditRecord) bool) error

	// ApplyDeltas adds a batch of tally deltas in one transaction and
	// refreshes the percentages of every touched election region.
	ApplyDeltas(ctx context.Context, deltas *TallyDeltas) error

	// LawResults returns the tally row of one referendum.
	LawResults(ctx context.Context, ballotID string) (*types.LawTally, error)
	// ElectionResults returns the candidate rows of one election region,
	// ordered by candidate ID.
	ElectionResults(ctx context.Context, electionID, regionID int64) ([]*types.ElectionTally, error)
	// LawTallies lists all law tally rows.
	LawTallies(ctx context.Context) ([]*types.LawTally, error)
	// ElectionTallies lists all election tally rows.
	ElectionTallies(ctx context.Context) ([]*types.ElectionTally, error)

	// UpsertElection creates or replaces an election definition.
	UpsertElection(ctx context.Context, e *types.Election) error
	// Election returns one election by ID.
	Election(ctx context.Context, id int64) (*types.Election, error)
	// Elections lists all elections ordered by ID.
	Elections(ctx context.Context) ([]*types.Election, error)
	// ElectionRegions lists the distinct region IDs with tally rows for an
	// election.
	ElectionRegions(ctx context.Context, electionID int64) ([]int64, error)

	// Ping checks connectivity, for health reporting.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
