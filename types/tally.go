package types

import "time"

// LawTally is the running count for one referendum.
type LawTally struct {
	BallotID  string    `json:"ballot_id" bson:"_id"`
	YesCount  int64     `json:"yes_count" bson:"yes_count"`
	NoCount   int64     `json:"no_count" bson:"no_count"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// ElectionTally is the running count for one candidate in one region of one
// election. Percentage is derived from the region's total at write time.
type ElectionTally struct {
	ElectionID  int64   `json:"election_id" bson:"election_id"`
	RegionID    int64   `json:"region_id" bson:"region_id"`
	CandidateID int64   `json:"candidate_id" bson:"candidate_id"`
	VoteCount   int64   `json:"vote_count" bson:"vote_count"`
	Percentage  float64 `json:"percentage" bson:"percentage"`
}
