package main

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/streamauth/internal/oauth"
	"github.com/example/streamauth/internal/session"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the body of every session response.
type envelope struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Data         any       `json:"data,omitempty"`
	Error        *APIError `json:"error,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success: false,
		Message: message,
		Error:   &APIError{Code: code, Message: message},
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// classify maps an operation error onto a status, a machine code and a
// client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, session.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "WEAK_PASSWORD",
			"Password must be at least 12 characters and include upper and lower case letters, a number, and a special character."
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired credentials."
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Username or email already exists."
	case errors.Is(err, oauth.ErrInvalidOrExpiredState):
		return http.StatusBadRequest, "INVALID_STATE", "Invalid or expired state."
	case errors.Is(err, oauth.ErrExchangeFailed):
		return http.StatusInternalServerError, "EXCHANGE_FAILED", "Authentication failed."
	case errors.Is(err, session.ErrOAuthDisabled):
		return http.StatusNotImplemented, "OAUTH_DISABLED", "Google login is not configured."
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error."
	}
}

// fail writes err as an error envelope. Server-side failures are logged and
// never echoed.
func (a *App) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message := classify(err)
	a.metrics.Auth(op, code)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("op", op),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message)
}
