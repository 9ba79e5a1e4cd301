package session

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/streamauth/internal/credential"
	"github.com/example/streamauth/internal/oauth"
	"github.com/example/streamauth/internal/principal"
	"github.com/example/streamauth/internal/revocation"
	"github.com/example/streamauth/internal/storage"
	"github.com/example/streamauth/internal/token"
)

const goodPassword = "Str0ng!Passw0rd"

type stubProvider struct {
	identity *oauth.Identity
	err      error
}

func (s *stubProvider) AuthCodeURL(state, challenge string) string {
	v := url.Values{}
	v.Set("state", state)
	v.Set("code_challenge", challenge)
	return "https://idp.example/auth?" + v.Encode()
}

func (s *stubProvider) Exchange(context.Context, string, string) (*oauth.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	id := *s.identity
	return &id, nil
}

type fixture struct {
	ctrl     *Controller
	db       *storage.MemoryDB
	tokens   *token.Service
	provider *stubProvider
}

func newFixture(t *testing.T, opts ...credential.Option) *fixture {
	t.Helper()
	verifier, err := credential.NewVerifier(bcrypt.MinCost, opts...)
	require.NoError(t, err)
	tokens, err := token.NewService(token.Config{
		AccessSecret:   []byte("access-secret"),
		RefreshSecret:  []byte("refresh-secret"),
		AccessRevoked:  revocation.NewMemoryStore(),
		RefreshRevoked: revocation.NewMemoryStore(),
	})
	require.NoError(t, err)

	db := storage.NewMemoryDB()
	provider := &stubProvider{identity: &oauth.Identity{Subject: "g-42", Email: "erin@example.com", EmailVerified: true, Name: "Erin"}}
	coord := oauth.NewCoordinator(oauth.Config{
		Provider:   provider,
		States:     oauth.NewMemoryStateStore(),
		Principals: db,
	})
	return &fixture{
		ctrl:     NewController(db, verifier, tokens, coord, nil),
		db:       db,
		tokens:   tokens,
		provider: provider,
	}
}

func (f *fixture) signup(t *testing.T, username, email string) *Session {
	t.Helper()
	s, err := f.ctrl.Signup(context.Background(), SignupInput{
		Username:    username,
		Password:    goodPassword,
		Email:       email,
		DisplayName: "Test User",
	})
	require.NoError(t, err)
	return s
}

func TestSignup(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "alice", "alice@example.com")

	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.Equal(t, int64(900), s.ExpiresIn)
	assert.Equal(t, "alice", s.Profile.Username)
	assert.Equal(t, "Test User", s.Profile.DisplayName)

	stored, err := f.db.FindByID(context.Background(), s.Profile.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasPassword())
	assert.NotEqual(t, goodPassword, stored.PasswordHash)

	claims, err := f.tokens.VerifyAccess(context.Background(), s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(stored.ID, 10), claims.Subject)
}

func TestSignupValidation(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "alice", "alice@example.com")

	cases := []struct {
		name string
		in   SignupInput
		want error
	}{
		{"missing username", SignupInput{Password: goodPassword, Email: "x@example.com"}, ErrInvalidInput},
		{"missing email", SignupInput{Username: "x", Password: goodPassword}, ErrInvalidInput},
		{"missing password", SignupInput{Username: "x", Email: "x@example.com"}, ErrInvalidInput},
		{"malformed email", SignupInput{Username: "x", Password: goodPassword, Email: "not-an-email"}, ErrInvalidInput},
		{"display name email", SignupInput{Username: "x", Password: goodPassword, Email: "X <x@example.com>"}, ErrInvalidInput},
		{"email as username", SignupInput{Username: "x@example.com", Password: goodPassword, Email: "x@example.com"}, ErrInvalidInput},
		{"weak password", SignupInput{Username: "x", Password: "short", Email: "x@example.com"}, ErrWeakPassword},
		{"no special", SignupInput{Username: "x", Password: "Abcdefghijk1", Email: "x@example.com"}, ErrWeakPassword},
		{"too long", SignupInput{Username: "x", Password: "Aa1!" + string(make([]byte, 80)), Email: "x@example.com"}, ErrWeakPassword},
		{"duplicate username", SignupInput{Username: "alice", Password: goodPassword, Email: "new@example.com"}, ErrConflict},
		{"duplicate email", SignupInput{Username: "alice2", Password: goodPassword, Email: "alice@example.com"}, ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := f.ctrl.Signup(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, s)
		})
	}
}

func TestWeakPasswordIsInvalidInput(t *testing.T) {
	assert.ErrorIs(t, ErrWeakPassword, ErrInvalidInput)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	signed := f.signup(t, "bob", "bob@example.com")
	ctx := context.Background()

	for _, ident := range []string{"bob", "bob@example.com", "  bob  "} {
		s, err := f.ctrl.Login(ctx, ident, goodPassword)
		require.NoError(t, err, ident)
		assert.Equal(t, signed.Profile.ID, s.Profile.ID)

		claims, err := f.tokens.VerifyAccess(ctx, s.AccessToken)
		require.NoError(t, err)
		id, err := claims.PrincipalID()
		require.NoError(t, err)
		assert.Equal(t, signed.Profile.ID, id)
	}
}

func TestLoginFailures(t *testing.T) {
	var compares atomic.Int32
	f := newFixture(t, credential.WithCompare(func(hash, secret []byte) error {
		compares.Add(1)
		return bcrypt.CompareHashAndPassword(hash, secret)
	}))
	f.signup(t, "bob", "bob@example.com")
	_, err := f.db.Create(context.Background(), &principal.Principal{Username: "oauthonly", Email: "o@example.com", GoogleID: "g-1"})
	require.NoError(t, err)

	cases := []struct {
		name       string
		identifier string
		secret     string
		compares   int32
	}{
		{"wrong password", "bob", "Wr0ng!Password", 1},
		{"unknown user", "nobody", goodPassword, 1},
		{"unknown email", "nobody@example.com", goodPassword, 1},
		{"no password set", "oauthonly", goodPassword, 1},
		{"empty", "", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compares.Store(0)
			s, err := f.ctrl.Login(context.Background(), tc.identifier, tc.secret)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Nil(t, s)
			// the missing-hash paths still pay for one bcrypt comparison
			assert.Equal(t, tc.compares, compares.Load())
		})
	}
}

func TestLoginEmailNotShadowedByUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Signup(ctx, SignupInput{Username: "victim@example.com", Password: goodPassword, Email: "mallory@example.com"})
	require.ErrorIs(t, err, ErrInvalidInput)

	// a row written around signup validation still cannot capture the email
	_, err = f.db.Create(ctx, &principal.Principal{Username: "victim@example.com", Email: "mallory@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	victim := f.signup(t, "victim", "victim@example.com")

	s, err := f.ctrl.Login(ctx, "victim@example.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, victim.Profile.ID, s.Profile.ID)
}

func TestSignupNormalizesEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.signup(t, "alice", "Alice@Example.COM")
	assert.Equal(t, "alice@example.com", s.Profile.Email)

	_, err := f.ctrl.Signup(ctx, SignupInput{Username: "alice2", Password: goodPassword, Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := f.ctrl.Login(ctx, "ALICE@example.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, s.Profile.ID, got.Profile.ID)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "carol", "carol@example.com")
	ctx := context.Background()

	require.NoError(t, f.ctrl.Logout(ctx, s.AccessToken, s.RefreshToken))

	_, err := f.ctrl.Status(ctx, s.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.Refresh(ctx, s.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// nothing left to revoke
	assert.ErrorIs(t, f.ctrl.Logout(ctx, s.AccessToken, s.RefreshToken), ErrUnauthorized)
	assert.ErrorIs(t, f.ctrl.Logout(ctx, "", ""), ErrUnauthorized)
	assert.ErrorIs(t, f.ctrl.Logout(ctx, "garbage", ""), ErrUnauthorized)
}

func TestLogoutAccessOnly(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "carol", "carol@example.com")
	ctx := context.Background()

	require.NoError(t, f.ctrl.Logout(ctx, s.AccessToken, ""))
	_, err := f.ctrl.Refresh(ctx, s.RefreshToken)
	assert.NoError(t, err, "refresh token was not presented so it stays valid")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "dan", "dan@example.com")

	p, err := f.ctrl.Status(context.Background(), s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.Profile.ID, p.ID)
	assert.Equal(t, "dan", p.Username)
	assert.Equal(t, "dan@example.com", p.Email)

	_, err = f.ctrl.Status(context.Background(), s.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "refresh token is not an access token")
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "erin", "erin@example.com")
	ctx := context.Background()

	next, err := f.ctrl.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, s.AccessToken, next.AccessToken)
	assert.NotEqual(t, s.RefreshToken, next.RefreshToken)
	assert.Equal(t, s.Profile.ID, next.Profile.ID)

	_, err = f.ctrl.Refresh(ctx, s.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "refresh tokens are single use")

	_, err = f.ctrl.Refresh(ctx, next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshConcurrent(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "erin", "erin@example.com")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ctrl.Refresh(context.Background(), s.RefreshToken); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRefreshDeletedPrincipal(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "frank", "frank@example.com")
	f.db.Delete(s.Profile.ID)

	_, err := f.ctrl.Refresh(context.Background(), s.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	s := f.signup(t, "gina", "gina@example.com")

	p, err := f.ctrl.Profile(context.Background(), s.Profile.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Profile, *p)

	_, err = f.ctrl.Profile(context.Background(), 999)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOAuthRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	redirect, err := f.ctrl.BeginOAuth(ctx)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	state := u.Query().Get("state")

	s, err := f.ctrl.CompleteOAuth(ctx, "code", state)
	require.NoError(t, err)
	assert.Equal(t, "erin", s.Profile.Username)

	stored, err := f.db.FindByEmail(ctx, "erin@example.com")
	require.NoError(t, err)
	claims, err := f.tokens.VerifyAccess(ctx, s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(stored.ID, 10), claims.Subject, "tokens carry the stored principal id")

	_, err = f.ctrl.CompleteOAuth(ctx, "code", state)
	assert.ErrorIs(t, err, oauth.ErrInvalidOrExpiredState)

	// an OAuth-only principal cannot log in with a password
	_, err = f.ctrl.Login(ctx, "erin@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOAuthExchangeFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("boom")
	redirect, err := f.ctrl.BeginOAuth(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)

	_, err = f.ctrl.CompleteOAuth(context.Background(), "code", u.Query().Get("state"))
	assert.ErrorIs(t, err, oauth.ErrExchangeFailed)
}

func TestOAuthDisabled(t *testing.T) {
	f := newFixture(t)
	ctrl := NewController(f.db, f.ctrl.verifier, f.tokens, nil, nil)

	_, err := ctrl.BeginOAuth(context.Background())
	assert.ErrorIs(t, err, ErrOAuthDisabled)
	_, err = ctrl.CompleteOAuth(context.Background(), "code", "state")
	assert.ErrorIs(t, err, ErrOAuthDisabled)
}
