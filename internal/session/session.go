// Package session implements the login, signup, logout, status, refresh and
// third-party login operations exposed to the HTTP layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/example/streamauth/internal/credential"
	"github.com/example/streamauth/internal/oauth"
	"github.com/example/streamauth/internal/principal"
	"github.com/example/streamauth/internal/token"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrWeakPassword is an InvalidInput failure for secrets that fail the
	// strength policy.
	ErrWeakPassword = fmt.Errorf("%w: weak password", ErrInvalidInput)
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("username or email already exists")

	// ErrOAuthDisabled is returned by the OAuth operations when no provider
	// is configured.
	ErrOAuthDisabled = errors.New("oauth login is not configured")
)

// bcrypt ignores input past 72 bytes.
const maxSecretBytes = 72

// Profile is the public view of a principal.
type Profile struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"full_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
}

func profileOf(p *principal.Principal) Profile {
	return Profile{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Picture:     p.Picture,
	}
}

// Session is the result of a successful authentication.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
	Profile      Profile
}

type SignupInput struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
}

// Controller composes the credential verifier, token service and OAuth
// coordinator over a principal store.
type Controller struct {
	principals principal.Store
	verifier   *credential.Verifier
	tokens     *token.Service
	oauth      *oauth.Coordinator
	log        *zap.Logger
}

func NewController(principals principal.Store, verifier *credential.Verifier, tokens *token.Service, coord *oauth.Coordinator, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		principals: principals,
		verifier:   verifier,
		tokens:     tokens,
		oauth:      coord,
		log:        log,
	}
}

// Login authenticates identifier (username or email) with secret.
func (c *Controller) Login(ctx context.Context, identifier, secret string) (*Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return nil, ErrUnauthorized
	}
	p, err := c.principals.FindByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, principal.ErrNotFound) {
			return nil, fmt.Errorf("find principal: %w", err)
		}
		c.verifier.VerifyMissing(ctx, secret)
		return nil, ErrUnauthorized
	}
	if !p.HasPassword() {
		c.verifier.VerifyMissing(ctx, secret)
		return nil, ErrUnauthorized
	}
	if !c.verifier.Verify(ctx, secret, p.PasswordHash) {
		return nil, ErrUnauthorized
	}
	return c.mint(p)
}

// Signup registers a principal with a password and signs it in.
func (c *Controller) Signup(ctx context.Context, in SignupInput) (*Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = principal.NormalizeEmail(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username, email, and password are required", ErrInvalidInput)
	}
	if principal.IsEmail(in.Username) {
		return nil, fmt.Errorf("%w: username must not contain '@'", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if len(in.Password) > maxSecretBytes || !credential.CheckStrength(in.Password) {
		return nil, ErrWeakPassword
	}

	hash, err := c.verifier.Hash(ctx, in.Password)
	if err != nil {
		return nil, err
	}
	p, err := c.principals.Create(ctx, &principal.Principal{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		DisplayName:  in.DisplayName,
	})
	if err != nil {
		if errors.Is(err, principal.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create principal: %w", err)
	}
	return c.mint(p)
}

// Logout revokes each presented token that still verifies. It fails only
// when no token verified.
func (c *Controller) Logout(ctx context.Context, accessToken, refreshToken string) error {
	loggedOut := false
	if accessToken != "" {
		if _, err := c.tokens.VerifyAccess(ctx, accessToken); err == nil {
			if err := c.tokens.RevokeAccess(ctx, accessToken); err != nil {
				return err
			}
			loggedOut = true
		}
	}
	if refreshToken != "" {
		if _, err := c.tokens.VerifyRefresh(ctx, refreshToken); err == nil {
			if err := c.tokens.RevokeRefresh(ctx, refreshToken); err != nil {
				return err
			}
			loggedOut = true
		}
	}
	if !loggedOut {
		return ErrUnauthorized
	}
	return nil
}

// Status returns the identity carried by a valid access token.
func (c *Controller) Status(ctx context.Context, accessToken string) (*Profile, error) {
	claims, err := c.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Profile{ID: id, Username: claims.Username, Email: claims.Email}, nil
}

// Refresh spends refreshToken and returns a new access token together with a
// rotated refresh token.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := c.tokens.ConsumeRefresh(ctx, refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return nil, ErrUnauthorized
	}
	p, err := c.principals.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("find principal: %w", err)
	}
	return c.mint(p)
}

// Profile loads the stored profile of principal id.
func (c *Controller) Profile(ctx context.Context, id int64) (*Profile, error) {
	p, err := c.principals.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("find principal: %w", err)
	}
	prof := profileOf(p)
	return &prof, nil
}

// BeginOAuth returns the provider authorization URL.
func (c *Controller) BeginOAuth(ctx context.Context) (string, error) {
	if c.oauth == nil {
		return "", ErrOAuthDisabled
	}
	return c.oauth.Begin(ctx)
}

// CompleteOAuth finishes a third-party login. Errors are
// oauth.ErrInvalidOrExpiredState, oauth.ErrExchangeFailed or unexpected.
func (c *Controller) CompleteOAuth(ctx context.Context, code, state string) (*Session, error) {
	if c.oauth == nil {
		return nil, ErrOAuthDisabled
	}
	p, err := c.oauth.Complete(ctx, code, state)
	if err != nil {
		return nil, err
	}
	return c.mint(p)
}

func (c *Controller) mint(p *principal.Principal) (*Session, error) {
	access, err := c.tokens.IssueAccess(p)
	if err != nil {
		return nil, err
	}
	refresh, _, err := c.tokens.IssueRefresh(p)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(c.tokens.AccessTTL().Seconds()),
		Profile:      profileOf(p),
	}, nil
}
