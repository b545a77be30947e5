package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationRecord captures a revoked token. Only the token hash is stored.
type RevocationRecord struct {
	TokenHash string
	TokenID   string
	ViewerID  string
	ChannelID string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// RevocationStore persists revoked playback tokens until they expire.
type RevocationStore interface {
	Revoke(ctx context.Context, record RevocationRecord) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryRevocationStore keeps revocations in-memory. It is safe for
// concurrent use and intended for single-instance deployments and tests.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	records map[string]RevocationRecord
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{records: make(map[string]RevocationRecord)}
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, record RevocationRecord) error {
	s.mu.Lock()
	s.records[record.TokenHash] = record
	s.mu.Unlock()
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	s.mu.RLock()
	_, ok := s.records[tokenHash]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryRevocationStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for hash, record := range s.records {
		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			delete(s.records, hash)
			purged++
		}
	}
	return purged, nil
}

// Len reports the number of stored revocations.
func (s *MemoryRevocationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryRevocationStore) Ping(context.Context) error {
	return nil
}
