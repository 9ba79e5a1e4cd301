package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("provider-key"))
	require.NoError(t, err)
	return s
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProvider(ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example/auth",
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Timeout: time.Second,
	})
}

func TestProviderAuthCodeURL(t *testing.T) {
	p := NewProvider(ProviderConfig{ClientID: "cid", RedirectURL: "https://app.example/auth"})
	raw := p.AuthCodeURL("st", "ch")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)
	q := u.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "https://app.example/auth", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "st", q.Get("state"))
	assert.Equal(t, "ch", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestProviderExchange(t *testing.T) {
	var form url.Values
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token": idToken(t, jwt.MapClaims{
				"sub":            "g-1",
				"email":          "dave@example.com",
				"email_verified": true,
				"name":           "Dave",
				"picture":        "https://img/dave",
			}),
		})
	})

	id, err := p.Exchange(context.Background(), "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, &Identity{Subject: "g-1", Email: "dave@example.com", EmailVerified: true, Name: "Dave", Picture: "https://img/dave"}, id)

	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))
	assert.Equal(t, "client-id", form.Get("client_id"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))
	assert.Equal(t, "https://app.example/auth", form.Get("redirect_uri"))
}

func TestProviderExchangeEmailVerified(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value any
		want  bool
	}{
		{"bool true", true, true},
		{"string true", "true", true},
		{"bool false", false, false},
		{"string false", "false", false},
		{"absent", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			claims := jwt.MapClaims{"sub": "g-1", "email": "dave@example.com"}
			if tc.value != nil {
				claims["email_verified"] = tc.value
			}
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token": "x",
					"token_type":   "Bearer",
					"id_token":     idToken(t, claims),
				})
			})
			id, err := p.Exchange(context.Background(), "code", "verifier")
			require.NoError(t, err)
			assert.Equal(t, tc.want, id.EmailVerified)
		})
	}
}

func TestProviderExchangeErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"upstream error": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		},
		"no id_token": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"x","token_type":"Bearer"}`))
		},
		"id_token without email": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "x",
				"token_type":   "Bearer",
				"id_token":     idToken(t, jwt.MapClaims{"sub": "g-1"}),
			})
		},
		"malformed id_token": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"x","token_type":"Bearer","id_token":"garbage"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestProvider(t, h)
			_, err := p.Exchange(context.Background(), "code", "verifier")
			assert.Error(t, err)
		})
	}
}

func TestProviderExchangeTimeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	p.client.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := p.Exchange(context.Background(), "code", "verifier")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
