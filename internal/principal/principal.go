package principal

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no principal matches.
	ErrNotFound = errors.New("principal not found")
	// ErrConflict signals a unique constraint violation on username or email.
	ErrConflict = errors.New("username or email already exists")
)

// Principal is a user identity.
type Principal struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string // empty for OAuth-only accounts
	DisplayName  string
	Picture      string
	GoogleID     string
	CreatedAt    time.Time
}

// HasPassword reports whether the principal can log in with a secret.
func (p *Principal) HasPassword() bool {
	return p.PasswordHash != ""
}

// NormalizeEmail returns the form in which email is stored and compared.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsEmail reports whether a login identifier names an email address rather
// than a username. Usernames never contain '@'.
func IsEmail(identifier string) bool {
	return strings.ContainsRune(identifier, '@')
}

// Store is the persistence contract used by the session and OAuth layers.
type Store interface {
	// Create inserts p and returns the stored record with its ID set. The
	// email is stored normalized.
	Create(ctx context.Context, p *Principal) (*Principal, error)
	// FindByIdentifier matches an email identifier (see IsEmail) against
	// emails and anything else against usernames.
	FindByIdentifier(ctx context.Context, identifier string) (*Principal, error)
	// FindByEmail matches case-insensitively.
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByID(ctx context.Context, id int64) (*Principal, error)
}
