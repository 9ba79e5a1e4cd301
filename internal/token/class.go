package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/streamauth/internal/revocation"
)

// ErrInvalidToken is the only verification failure callers see. It covers
// bad signatures, malformed input, expiry and revocation alike.
var ErrInvalidToken = errors.New("invalid or expired token")

type claimsPtr[C any] interface {
	*C
	jwt.Claims
	tokenID() string
}

// Class signs, verifies and revokes one kind of token. Each class has its
// own secret, lifetime, audience and revocation set.
type Class[C any, P claimsPtr[C]] struct {
	name     string
	audience string
	secret   []byte
	ttl      time.Duration
	revoked  revocation.Store
	now      func() time.Time
	log      *zap.Logger
	parser   *jwt.Parser
}

func newClass[C any, P claimsPtr[C]](name string, secret []byte, ttl time.Duration, revoked revocation.Store, now func() time.Time, log *zap.Logger) *Class[C, P] {
	aud := "streamauth:" + name
	return &Class[C, P]{
		name:     name,
		audience: aud,
		secret:   secret,
		ttl:      ttl,
		revoked:  revoked,
		now:      now,
		log:      log,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithAudience(aud),
			jwt.WithTimeFunc(now),
			jwt.WithStrictDecoding(),
		),
	}
}

// registered returns the time-bound claims for a token minted now.
func (c *Class[C, P]) registered(subject, id string) jwt.RegisteredClaims {
	now := c.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		ID:        id,
		Audience:  jwt.ClaimStrings{c.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
}

func (c *Class[C, P]) sign(claims P) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify returns the claims of raw, or ErrInvalidToken. Revocation is
// checked on the token id, so re-encodings of a revoked token stay revoked.
func (c *Class[C, P]) Verify(ctx context.Context, raw string) (P, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := P(new(C))
	tok, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !tok.Valid || claims.tokenID() == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := c.revoked.Contains(ctx, claims.tokenID())
	if err != nil {
		c.log.Warn("revocation lookup failed", zap.String("class", c.name), zap.Error(err))
		return nil, ErrInvalidToken
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke adds raw to the revocation set and reports whether this call
// inserted it. The entry is keyed on the token id and lives until the
// token's own expiry; tokens without a readable id or expiry are keyed on
// the raw string and kept for a full lifetime.
func (c *Class[C, P]) Revoke(ctx context.Context, raw string) (bool, error) {
	id, exp := c.inspect(raw)
	return c.revoked.Add(ctx, id, exp)
}

// inspect reads the revocation key and expiry of raw without checking its
// signature.
func (c *Class[C, P]) inspect(raw string) (string, time.Time) {
	id, exp := raw, c.now().Add(c.ttl)
	claims := P(new(C))
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if jti := claims.tokenID(); jti != "" {
			id = jti
		}
		if e, err := claims.GetExpirationTime(); err == nil && e != nil {
			exp = e.Time
		}
	}
	return id, exp
}
