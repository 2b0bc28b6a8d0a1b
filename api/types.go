package api

import (
	"encoding/json"
	"time"

	"github.com/vocdoni/scrutin-node/types"
)

// VoteRequest is the request body for a law referendum vote submission.
// POST /vote
type VoteRequest struct {
	NAS      string `json:"nas"`
	Code     string `json:"code"`
	BallotID string `json:"ballot_id"`
	Choice   string `json:"choice"`
}

// ElectionVoteRequest is the request body for an election vote submission.
// POST /elections/vote
type ElectionVoteRequest struct {
	NAS           string  `json:"nas"`
	Code          string  `json:"code"`
	ElectionID    int64   `json:"election_id"`
	RegionID      int64   `json:"region_id"`
	Method        string  `json:"method"`
	SingleChoice  *int64  `json:"single_choice,omitempty"`
	RankedChoices []int64 `json:"ranked_choices,omitempty"`
}

// VoteResponse is returned on a successful vote submission. The request ID
// is opaque and only useful for support correlation; the final outcome of
// the vote is decided asynchronously and never reported back to the voter.
type VoteResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// VoteStatusQueued is the only status a successful submission reports.
const VoteStatusQueued = "queued"

// BallotResultsResponse is the tally of a law referendum ballot.
// GET /results/{ballotId}
type BallotResultsResponse struct {
	BallotID   string    `json:"ballot_id"`
	YesCount   int64     `json:"yes_count"`
	NoCount    int64     `json:"no_count"`
	TotalVotes int64     `json:"total_votes"`
	YesPct     float64   `json:"yes_pct"`
	NoPct      float64   `json:"no_pct"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ElectionResultsResponse is the per-candidate tally of an election region.
// GET /elections/{electionId}/regions/{regionId}/results
type ElectionResultsResponse struct {
	ElectionID int64                  `json:"election_id"`
	RegionID   int64                  `json:"region_id"`
	TotalVotes int64                  `json:"total_votes"`
	Candidates []*types.ElectionTally `json:"candidates"`
}

// ElectionRegionsResponse lists the regions with recorded tallies for an
// election. GET /elections/{electionId}/regions
type ElectionRegionsResponse struct {
	ElectionID int64   `json:"election_id"`
	Regions    []int64 `json:"regions"`
}

// HealthResponse reports the health of the node dependencies.
// GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
}

// Health status values.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"

	serviceStatusConnected = "connected"
)

// InfoResponse describes the service and its endpoints.
// GET /
type InfoResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// ReviewItem is a dead-lettered envelope awaiting manual review.
type ReviewItem struct {
	Seq      uint64          `json:"seq"`
	Attempts int64           `json:"attempts"`
	Envelope json.RawMessage `json:"envelope"`
}

// ReviewResponse is a non-destructive peek at the review queue.
// GET /review
type ReviewResponse struct {
	Depth int64         `json:"depth"`
	Items []*ReviewItem `json:"items"`
}
