package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/streamauth/internal/session"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// bearerToken returns the Authorization bearer credential, tolerating any
// case in the scheme.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (a *App) writeSession(w http.ResponseWriter, status int, message string, s *session.Session) {
	writeJSON(w, status, envelope{
		Success:      true,
		Message:      message,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    s.ExpiresIn,
		Data:         s.Profile,
	})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	s, err := a.sessions.Login(r.Context(), in.Identifier, in.Password)
	if err != nil {
		a.fail(w, r, "login", err)
		return
	}
	a.metrics.Auth("login", "ok")
	a.writeSession(w, http.StatusOK, "Login successful.", s)
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in signupRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	s, err := a.sessions.Signup(r.Context(), session.SignupInput{
		Username:    in.Username,
		Password:    in.Password,
		Email:       in.Email,
		DisplayName: in.FullName,
	})
	if err != nil {
		a.fail(w, r, "signup", err)
		return
	}
	a.metrics.Auth("signup", "ok")
	a.writeSession(w, http.StatusCreated, "Signup successful.", s)
}

// HandleLogout revokes the bearer access token and the X-Refresh-Token
// refresh token, whichever are presented.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Logout(r.Context(), bearerToken(r), r.Header.Get("X-Refresh-Token")); err != nil {
		a.fail(w, r, "logout", err)
		return
	}
	a.metrics.Auth("logout", "ok")
	writeSuccess(w, http.StatusOK, "Logout successful.", nil)
}

func (a *App) HandleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.sessions.Status(r.Context(), bearerToken(r))
	if err != nil {
		a.fail(w, r, "status", err)
		return
	}
	writeSuccess(w, http.StatusOK, "User is authenticated via token.", p)
}

// HandleRefresh accepts the refresh token in X-Refresh-Token or as the bearer
// token.
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("X-Refresh-Token")
	if raw == "" {
		raw = bearerToken(r)
	}
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token missing.")
		return
	}
	s, err := a.sessions.Refresh(r.Context(), raw)
	if err != nil {
		a.fail(w, r, "refresh", err)
		return
	}
	a.metrics.Auth("refresh", "ok")
	writeSuccess(w, http.StatusOK, "Token refreshed.", map[string]any{
		"accessToken":  s.AccessToken,
		"refreshToken": s.RefreshToken,
		"expiresIn":    s.ExpiresIn,
	})
}

func (a *App) HandleGoogleURL(w http.ResponseWriter, r *http.Request) {
	u, err := a.sessions.BeginOAuth(r.Context())
	if err != nil {
		a.fail(w, r, "oauth_begin", err)
		return
	}
	writeSuccess(w, http.StatusOK, "url fetched", map[string]string{"url": u})
}

func (a *App) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s, err := a.sessions.CompleteOAuth(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		a.fail(w, r, "oauth_complete", err)
		return
	}
	a.metrics.Auth("oauth_complete", "ok")
	writeSuccess(w, http.StatusOK, "Authentication successful.", map[string]any{
		"accessToken":  s.AccessToken,
		"refreshToken": s.RefreshToken,
		"expiresIn":    s.ExpiresIn,
		"profile":      s.Profile,
	})
}

// HandleMe returns the stored profile of the authenticated principal.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id, err := claims.PrincipalID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token subject.")
		return
	}
	p, err := a.sessions.Profile(r.Context(), id)
	if err != nil {
		a.fail(w, r, "profile", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Profile fetched.", p)
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.DB.Ping(r.Context()); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
