package credstore

import (
	"context"
	"sync"

	"github.com/vocdoni/scrutin-node/fingerprint"
)

// MemoryStore is an in-process Store for tests and single-node development
// runs. It provides the same claim atomicity as the redis backend, just
// without cross-node visibility.
type MemoryStore struct {
	mu         sync.Mutex
	valid      map[fingerprint.Fingerprint]struct{}
	claimed    map[fingerprint.Fingerprint]struct{}
	duplicates map[fingerprint.Fingerprint]int64
}

// NewMemory returns an empty in-process credential store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		valid:      make(map[fingerprint.Fingerprint]struct{}),
		claimed:    make(map[fingerprint.Fingerprint]struct{}),
		duplicates: make(map[fingerprint.Fingerprint]int64),
	}
}

func (s *MemoryStore) IsValid(_ context.Context, f fingerprint.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.valid[f]
	return ok, nil
}

func (s *MemoryStore) Claim(_ context.Context, f fingerprint.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.claimed[f]; present {
		return false, nil
	}
	s.claimed[f] = struct{}{}
	return true, nil
}

func (s *MemoryStore) IsClaimed(_ context.Context, f fingerprint.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimed[f]
	return ok, nil
}

func (s *MemoryStore) RecordDuplicate(_ context.Context, f fingerprint.Fingerprint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates[f]++
	return s.duplicates[f], nil
}

func (s *MemoryStore) LoadValid(_ context.Context, fps []fingerprint.Fingerprint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int64
	for _, f := range fps {
		if _, present := s.valid[f]; !present {
			s.valid[f] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) CountValid(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.valid)), nil
}

func (s *MemoryStore) CountClaimed(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.claimed)), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
