// Package token issues and verifies the signed access and refresh tokens
// handed out by the session layer.
//
// Access tokens live for 15 minutes and carry the principal's identity.
// Refresh tokens live for 7 days, carry only the subject and a unique id,
// and are single use. The two classes are signed with independent secrets
// and tracked in independent revocation sets.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/streamauth/internal/principal"
	"github.com/example/streamauth/internal/revocation"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// PrincipalID parses the subject.
func (c *AccessClaims) PrincipalID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

func (c *AccessClaims) tokenID() string { return c.ID }

// RefreshClaims is the payload of a refresh token. The token id is carried
// in the registered "jti" claim.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

func (c *RefreshClaims) PrincipalID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

func (c *RefreshClaims) tokenID() string { return c.ID }

type Config struct {
	AccessSecret   []byte
	RefreshSecret  []byte
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	AccessRevoked  revocation.Store
	RefreshRevoked revocation.Store
	Now            func() time.Time
	Logger         *zap.Logger
}

// Service mints and checks both token classes.
type Service struct {
	access  *Class[AccessClaims, *AccessClaims]
	refresh *Class[RefreshClaims, *RefreshClaims]
}

func NewService(cfg Config) (*Service, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessRevoked == nil || cfg.RefreshRevoked == nil {
		return nil, errors.New("token: revocation stores are required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		access:  newClass[AccessClaims]("access", cfg.AccessSecret, cfg.AccessTTL, cfg.AccessRevoked, cfg.Now, cfg.Logger),
		refresh: newClass[RefreshClaims]("refresh", cfg.RefreshSecret, cfg.RefreshTTL, cfg.RefreshRevoked, cfg.Now, cfg.Logger),
	}, nil
}

// AccessTTL is the lifetime of freshly issued access tokens.
func (s *Service) AccessTTL() time.Duration { return s.access.ttl }

// IssueAccess mints an access token for p.
func (s *Service) IssueAccess(p *principal.Principal) (string, error) {
	claims := &AccessClaims{
		Username: p.Username,
		Email:    p.Email,
		// a jti keeps two tokens minted within the same second distinct
		RegisteredClaims: s.access.registered(strconv.FormatInt(p.ID, 10), uuid.NewString()),
	}
	tok, err := s.access.sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return tok, nil
}

// IssueRefresh mints a refresh token for p and returns it with its id.
func (s *Service) IssueRefresh(p *principal.Principal) (string, string, error) {
	id := uuid.NewString()
	claims := &RefreshClaims{RegisteredClaims: s.refresh.registered(strconv.FormatInt(p.ID, 10), id)}
	tok, err := s.refresh.sign(claims)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}
	return tok, id, nil
}

func (s *Service) VerifyAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	return s.access.Verify(ctx, raw)
}

func (s *Service) VerifyRefresh(ctx context.Context, raw string) (*RefreshClaims, error) {
	return s.refresh.Verify(ctx, raw)
}

// RevokeAccess is idempotent.
func (s *Service) RevokeAccess(ctx context.Context, raw string) error {
	if _, err := s.access.Revoke(ctx, raw); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// RevokeRefresh is idempotent.
func (s *Service) RevokeRefresh(ctx context.Context, raw string) error {
	if _, err := s.refresh.Revoke(ctx, raw); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ConsumeRefresh verifies raw and revokes it in one step. Only the first of
// several concurrent callers presenting the same token succeeds.
func (s *Service) ConsumeRefresh(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims, err := s.refresh.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	inserted, err := s.refresh.revoked.Add(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		s.refresh.log.Warn("refresh revocation failed", zap.Error(err))
		return nil, ErrInvalidToken
	}
	if !inserted {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
