package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateRecord is the server-side half of a pending authorization.
type StateRecord struct {
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// StateStore holds pending authorizations keyed by the opaque state value.
type StateStore interface {
	Save(ctx context.Context, state string, rec StateRecord, ttl time.Duration) error
	// Take returns and deletes the record for state. A missing record is
	// reported as (nil, nil).
	Take(ctx context.Context, state string) (*StateRecord, error)
}

type memoryEntry struct {
	rec       StateRecord
	expiresAt time.Time
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryStateStore) Save(_ context.Context, state string, rec StateRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[state] = memoryEntry{rec: rec, expiresAt: rec.CreatedAt.Add(ttl)}
	return nil
}

func (m *MemoryStateStore) Take(_ context.Context, state string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[state]
	if !ok {
		return nil, nil
	}
	delete(m.entries, state)
	rec := e.rec
	return &rec, nil
}

func (m *MemoryStateStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes records that expired before now.
func (m *MemoryStateStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStateStore) Run(ctx context.Context, interval time.Duration) {
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

const statePrefix = "oauth:state:"

// RedisStateStore shares pending authorizations between instances.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, rec StateRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, statePrefix+state, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (*StateRecord, error) {
	b, err := s.client.GetDel(ctx, statePrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var rec StateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &rec, nil
}
