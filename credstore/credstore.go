// Package credstore manages the credential sets shared by every node: the
// valid set V of issued fingerprints, the claimed set C of fingerprints that
// already voted, and the duplicate counters D. The claim operation is the
// single linearization point of the whole pipeline; whichever caller gets
// "inserted" owns the vote, every other caller observes a duplicate.
package credstore

import (
	"context"

	"github.com/vocdoni/scrutin-node/fingerprint"
)

// Shared key names. Every node of a deployment must use the same store so
// claims linearize across nodes.
const (
	validSetKey      = "valid_hashes"
	votedSetKey      = "voted_hashes"
	duplicateKeyBase = "duplicate_count:"
)

func duplicateKey(f fingerprint.Fingerprint) string {
	return duplicateKeyBase + f.String()
}

// Store is the credential set backend.
type Store interface {
	// IsValid reports whether f belongs to the valid set V.
	IsValid(ctx context.Context, f fingerprint.Fingerprint) (bool, error)
	// Claim atomically inserts f into the claimed set C. It returns true
	// when this call inserted f, false when f was already present. Exactly
	// one concurrent caller per fingerprint observes true.
	Claim(ctx context.Context, f fingerprint.Fingerprint) (bool, error)
	// IsClaimed reports membership in C without inserting anything.
	IsClaimed(ctx context.Context, f fingerprint.Fingerprint) (bool, error)
	// RecordDuplicate increments the duplicate counter for f and returns
	// the new value. The first duplicate of a fingerprint yields 1.
	RecordDuplicate(ctx context.Context, f fingerprint.Fingerprint) (int64, error)
	// LoadValid adds fingerprints to V, returning how many were new.
	LoadValid(ctx context.Context, fps []fingerprint.Fingerprint) (int64, error)
	// CountValid returns the size of V.
	CountValid(ctx context.Context) (int64, error)
	// CountClaimed returns the size of C.
	CountClaimed(ctx context.Context) (int64, error)
	// Ping checks connectivity, for health reporting.
	Ping(ctx context.Context) error
	Close() error
}
