package types

import "time"

// Election describes a candidate election and its voting window.
type Election struct {
	ID      int64     `json:"id" bson:"_id"`
	StartAt time.Time `json:"start_at" bson:"start_at"`
	EndAt   time.Time `json:"end_at" bson:"end_at"`
	Method  Method    `json:"method" bson:"method"`
}

// WindowOpen reports whether at falls inside the voting window. The window
// is closed-open: votes at exactly StartAt are in, votes at exactly EndAt
// are out.
func (e *Election) WindowOpen(at time.Time) bool {
	return !at.Before(e.StartAt) && at.Before(e.EndAt)
}
