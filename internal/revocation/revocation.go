// Package revocation keeps the sets of tokens that must never verify again.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Store is a revocation set for one token class. Entries are identified by
// the token id (jti) of the revoked token.
type Store interface {
	// Add marks id as revoked until expiresAt, after which the token is
	// rejected on expiry alone and the entry may be dropped. It reports
	// whether this call inserted the entry.
	Add(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	Contains(ctx context.Context, id string) (bool, error)
}

// Key returns the digest under which an entry is stored.
func Key(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryStore) Add(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	k := Key(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; ok {
		return false, nil
	}
	m.entries[k] = expiresAt
	return true, nil
}

func (m *MemoryStore) Contains(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[Key(id)]
	return ok, nil
}

// Len returns the number of tracked entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops entries whose token expired before now and returns how many
// were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(m.now())
		}
	}
}
