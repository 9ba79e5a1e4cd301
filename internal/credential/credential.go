// Package credential hashes and verifies user secrets and enforces the
// password strength policy.
package credential

import (
	"context"
	"fmt"
	"runtime"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCost is the bcrypt work factor used for new hashes.
	DefaultCost = 12
	// MinLength is the shortest secret CheckStrength accepts.
	MinLength = 12
)

// CheckStrength reports whether secret is at least MinLength characters and
// contains an upper case letter, a lower case letter, a digit and a
// non-alphanumeric character.
func CheckStrength(secret string) bool {
	if utf8.RuneCountInString(secret) < MinLength {
		return false
	}
	var upper, lower, digit, special bool
	for _, r := range secret {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			special = true
		}
	}
	return upper && lower && digit && special
}

// Verifier hashes and compares secrets with bcrypt. Concurrent bcrypt work is
// bounded so that a burst of logins cannot occupy every CPU.
type Verifier struct {
	cost    int
	sem     *semaphore.Weighted
	dummy   []byte
	compare func(hash, secret []byte) error
}

type Option func(*Verifier)

// WithCompare replaces bcrypt.CompareHashAndPassword for every comparison,
// including the one VerifyMissing runs against the dummy hash.
func WithCompare(compare func(hash, secret []byte) error) Option {
	return func(v *Verifier) { v.compare = compare }
}

// NewVerifier returns a Verifier using the given bcrypt cost. A cost below
// bcrypt.MinCost falls back to DefaultCost.
func NewVerifier(cost int, opts ...Option) (*Verifier, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("streamauth-dummy-secret"), cost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	v := &Verifier{
		cost:    cost,
		sem:     semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		dummy:   dummy,
		compare: bcrypt.CompareHashAndPassword,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Hash returns the bcrypt hash of secret.
func (v *Verifier) Hash(ctx context.Context, secret string) (string, error) {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer v.sem.Release(1)

	b, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(b), nil
}

// Verify reports whether secret matches hash. A cancelled context or a
// malformed hash reports false.
func (v *Verifier) Verify(ctx context.Context, secret, hash string) bool {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer v.sem.Release(1)
	return v.compare([]byte(hash), []byte(secret)) == nil
}

// VerifyMissing burns the same amount of work as Verify for callers that have
// no hash to compare against, e.g. an unknown username.
func (v *Verifier) VerifyMissing(ctx context.Context, secret string) {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer v.sem.Release(1)
	_ = v.compare(v.dummy, []byte(secret))
}
