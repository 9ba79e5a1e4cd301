// Package oauth runs the authorization-code flow with PKCE against the
// third-party identity provider and resolves the returned identity to a
// local principal.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/streamauth/internal/principal"
)

const DefaultStateTTL = 5 * time.Minute

var (
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	ErrExchangeFailed        = errors.New("authentication failed")

	errUnverifiedEmail = errors.New("provider email is not verified")
)

// Challenge returns the S256 code challenge for verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type Config struct {
	Provider   Exchanger
	States     StateStore
	Principals principal.Store
	StateTTL   time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Coordinator tracks pending authorizations and completes them exactly once.
type Coordinator struct {
	provider   Exchanger
	states     StateStore
	principals principal.Store
	ttl        time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		provider:   cfg.Provider,
		states:     cfg.States,
		principals: cfg.Principals,
		ttl:        cfg.StateTTL,
		now:        cfg.Now,
		log:        cfg.Logger,
	}
}

// Begin records a new pending authorization and returns the provider URL the
// client should send the browser to.
func (c *Coordinator) Begin(ctx context.Context) (string, error) {
	state, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	rec := StateRecord{CodeVerifier: verifier, CreatedAt: c.now()}
	if err := c.states.Save(ctx, state, rec, c.ttl); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	return c.provider.AuthCodeURL(state, Challenge(verifier)), nil
}

// Complete consumes state and exchanges code for the caller's principal.
// The state is deleted on every lookup, so a second call with the same
// state always fails with ErrInvalidOrExpiredState.
func (c *Coordinator) Complete(ctx context.Context, code, state string) (*principal.Principal, error) {
	if state == "" {
		return nil, ErrInvalidOrExpiredState
	}
	rec, err := c.states.Take(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if rec == nil || c.now().Sub(rec.CreatedAt) > c.ttl {
		return nil, ErrInvalidOrExpiredState
	}
	if code == "" {
		return nil, ErrExchangeFailed
	}

	id, err := c.provider.Exchange(ctx, code, rec.CodeVerifier)
	if err != nil {
		c.log.Warn("oauth code exchange failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	return c.resolve(ctx, id)
}

// resolve finds the principal registered with the identity's email or
// creates one named after the email's local part. An existing principal is
// only matched when the provider has verified the email.
func (c *Coordinator) resolve(ctx context.Context, id *Identity) (*principal.Principal, error) {
	email := principal.NormalizeEmail(id.Email)
	p, err := c.principals.FindByEmail(ctx, email)
	if err == nil {
		if !id.EmailVerified {
			c.log.Warn("oauth identity matches an existing principal with an unverified email",
				zap.Int64("principal_id", p.ID))
			return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, errUnverifiedEmail)
		}
		return p, nil
	}
	if !errors.Is(err, principal.ErrNotFound) {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	base := localPart(email)
	for attempt := 0; attempt < 3; attempt++ {
		username := base
		if attempt > 0 {
			suffix, err := randomHex(3)
			if err != nil {
				return nil, fmt.Errorf("generate username: %w", err)
			}
			username = base + "-" + suffix
		}
		p, err = c.principals.Create(ctx, &principal.Principal{
			Username:    username,
			Email:       email,
			DisplayName: id.Name,
			Picture:     id.Picture,
			GoogleID:    id.Subject,
		})
		if err == nil {
			c.log.Info("created principal from oauth identity", zap.Int64("principal_id", p.ID))
			return p, nil
		}
		if !errors.Is(err, principal.ErrConflict) {
			return nil, fmt.Errorf("create principal: %w", err)
		}
		// a concurrent callback may have registered the same email
		if existing, ferr := c.principals.FindByEmail(ctx, email); ferr == nil && id.EmailVerified {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("create principal: %w", principal.ErrConflict)
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
