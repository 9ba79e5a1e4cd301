// Package storage holds the principal store adapters: in-memory, SQLite and
// PostgreSQL.
package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/streamauth/internal/principal"
)

// DB is a principal store with a lifecycle.
type DB interface {
	principal.Store
	Ping(ctx context.Context) error
	Close() error
}

const selectPrincipal = `SELECT id, username, email, password_hash, full_name, picture, google_id, created_at FROM users`

// MemoryDB keeps principals in process memory.
type MemoryDB struct {
	mu      sync.RWMutex
	byID    map[int64]*principal.Principal
	seq     int64
	nowFunc func() time.Time
}

var _ DB = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{byID: map[int64]*principal.Principal{}, seq: 1, nowFunc: time.Now}
}

func (m *MemoryDB) Create(_ context.Context, p *principal.Principal) (*principal.Principal, error) {
	email := principal.NormalizeEmail(p.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == p.Username || u.Email == email {
			return nil, principal.ErrConflict
		}
		if p.GoogleID != "" && u.GoogleID == p.GoogleID {
			return nil, principal.ErrConflict
		}
	}
	u := *p
	u.Email = email
	u.ID = m.seq
	u.CreatedAt = m.nowFunc().UTC()
	m.seq++
	m.byID[u.ID] = &u
	out := u
	return &out, nil
}

func (m *MemoryDB) FindByIdentifier(ctx context.Context, identifier string) (*principal.Principal, error) {
	if principal.IsEmail(identifier) {
		return m.FindByEmail(ctx, identifier)
	}
	return m.find(func(u *principal.Principal) bool { return u.Username == identifier })
}

func (m *MemoryDB) FindByEmail(_ context.Context, email string) (*principal.Principal, error) {
	email = principal.NormalizeEmail(email)
	return m.find(func(u *principal.Principal) bool { return u.Email == email })
}

func (m *MemoryDB) FindByID(_ context.Context, id int64) (*principal.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.byID[id]; ok {
		out := *u
		return &out, nil
	}
	return nil, principal.ErrNotFound
}

// Delete removes a principal. Used by tests to simulate a vanished record.
func (m *MemoryDB) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *MemoryDB) find(match func(*principal.Principal) bool) (*principal.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// lowest id first, matching LIMIT 1 over the primary key
	var found *principal.Principal
	for _, u := range m.byID {
		if match(u) && (found == nil || u.ID < found.ID) {
			found = u
		}
	}
	if found == nil {
		return nil, principal.ErrNotFound
	}
	out := *found
	return &out, nil
}

func (m *MemoryDB) Ping(context.Context) error { return nil }
func (m *MemoryDB) Close() error               { return nil }

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
