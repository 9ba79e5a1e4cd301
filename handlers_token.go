package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/streamauth/internal/session"
)

// TokenInfo represents token metadata for introspection
type TokenInfo struct {
	Active    bool   `json:"active"`
	TokenType string `json:"token_type,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Username  string `json:"username,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenID   string `json:"jti,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

func decodeToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return "", false
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return "", false
	}
	return req.Token, true
}

func unix(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}

// HandleTokenIntrospect implements OAuth 2.0 token introspection (RFC 7662)
// POST /api/v1/auth/introspect
func (a *App) HandleTokenIntrospect(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeToken(w, r)
	if !ok {
		return
	}

	info := TokenInfo{Active: false}
	if claims, err := a.tokens.VerifyAccess(r.Context(), raw); err == nil {
		info = TokenInfo{
			Active:    true,
			TokenType: "access_token",
			Subject:   claims.Subject,
			Username:  claims.Username,
			ExpiresAt: unix(claims.ExpiresAt),
			IssuedAt:  unix(claims.IssuedAt),
			TokenID:   claims.ID,
		}
	} else if claims, err := a.tokens.VerifyRefresh(r.Context(), raw); err == nil {
		info = TokenInfo{
			Active:    true,
			TokenType: "refresh_token",
			Subject:   claims.Subject,
			ExpiresAt: unix(claims.ExpiresAt),
			IssuedAt:  unix(claims.IssuedAt),
			TokenID:   claims.ID,
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleRevokeToken revokes a single token of either class (RFC 7009). An
// unknown or already invalid token is not an error.
// POST /api/v1/auth/revoke
func (a *App) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeToken(w, r)
	if !ok {
		return
	}
	// each class verifies only its own audience, so at most one revokes
	err := a.sessions.Logout(r.Context(), raw, raw)
	if err != nil && !errors.Is(err, session.ErrUnauthorized) {
		a.fail(w, r, "revoke", err)
		return
	}
	a.metrics.Auth("revoke", "ok")
	writeSuccess(w, http.StatusOK, "Token revoked.", map[string]bool{"revoked": err == nil})
}
