package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"realcast-live/internal/apperr"
)

// Vault escrows key material for the media segmenter. Store receives the
// secret and an upper bound on how long the copy may live; Destroy removes it.
type Vault interface {
	Store(ctx context.Context, channelID string, keyID uint64, secret []byte, ttl time.Duration) error
	Destroy(ctx context.Context, channelID string, keyID uint64) error
}

func vaultKey(channelID string, keyID uint64) string {
	return fmt.Sprintf("%s:%d", channelID, keyID)
}

type memoryEntry struct {
	secret    []byte
	expiresAt time.Time
}

// MemoryVault keeps escrowed keys in process. It is the default when no
// external vault is configured.
type MemoryVault struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{entries: make(map[string]memoryEntry), now: time.Now}
}

func (v *MemoryVault) Store(_ context.Context, channelID string, keyID uint64, secret []byte, ttl time.Duration) error {
	entry := memoryEntry{secret: append([]byte(nil), secret...)}
	if ttl > 0 {
		entry.expiresAt = v.now().Add(ttl)
	}
	v.mu.Lock()
	v.entries[vaultKey(channelID, keyID)] = entry
	v.mu.Unlock()
	return nil
}

func (v *MemoryVault) Destroy(_ context.Context, channelID string, keyID uint64) error {
	key := vaultKey(channelID, keyID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if entry, ok := v.entries[key]; ok {
		for i := range entry.secret {
			entry.secret[i] = 0
		}
		delete(v.entries, key)
	}
	return nil
}

// Load returns a copy of an escrowed key.
func (v *MemoryVault) Load(_ context.Context, channelID string, keyID uint64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[vaultKey(channelID, keyID)]
	if !ok || (!entry.expiresAt.IsZero() && v.now().After(entry.expiresAt)) {
		return nil, apperr.Wrap(apperr.ErrKeyNotFound, "keys.MemoryVault.Load", nil)
	}
	return append([]byte(nil), entry.secret...), nil
}

// Len reports how many keys are escrowed.
func (v *MemoryVault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
