package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"storefront-platform/backend/internal/auth/service"
	sessiondomain "storefront-platform/backend/internal/session/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type tokenPairResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId"`
}

type sessionResponse struct {
	ID             string     `json:"id"`
	UserAgent      string     `json:"userAgent,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	Current        bool       `json:"current"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req.Email, req.Password, r.UserAgent(), GetClientIP(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairFrom(res))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.auth.Refresh(r.Context(), req.RefreshToken, GetClientIP(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairFrom(res))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.auth.ChangePassword(r.Context(), GetUserID(r.Context()), req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.auth.ListSessions(r.Context(), GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	current := GetFamilyID(r.Context())
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionFrom(sess, current))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.auth.DeleteSession(r.Context(), GetUserID(r.Context()), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tokenPairFrom(res *service.AuthResult) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
		UserID:       res.UserID,
		SessionID:    res.SessionID,
	}
}

func sessionFrom(sess *sessiondomain.Session, currentFamily string) sessionResponse {
	return sessionResponse{
		ID:             sess.ID,
		UserAgent:      sess.UserAgent,
		IPAddress:      sess.IPAddress,
		LastActivityAt: sess.LastActivityAt,
		ExpiresAt:      sess.ExpiresAt,
		CreatedAt:      sess.CreatedAt,
		Current:        currentFamily != "" && sess.FamilyID == currentFamily,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps the auth service's sentinel errors onto HTTP
// statuses. Each failure mode keeps its own code so clients can tell a replay
// from a lost race from a plain expiry.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token invalid or expired")
	case errors.Is(err, service.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "token_revoked", "refresh token revoked")
	case errors.Is(err, service.ErrSessionRevoked):
		writeError(w, http.StatusUnauthorized, "session_revoked", "session revoked")
	case errors.Is(err, service.ErrTokenReuseDetected):
		writeError(w, http.StatusUnauthorized, "token_reuse_detected", "refresh token reuse detected; session revoked")
	case errors.Is(err, service.ErrMaxRotationExceeded):
		writeError(w, http.StatusUnauthorized, "max_rotations_exceeded", "refresh chain exhausted; log in again")
	case errors.Is(err, service.ErrConcurrentRefresh):
		writeError(w, http.StatusConflict, "concurrent_refresh", "refresh superseded by a concurrent request")
	case errors.Is(err, service.ErrUserBanned), errors.Is(err, service.ErrUserDeleted):
		writeError(w, http.StatusForbidden, "account_disabled", "account is disabled")
	case errors.Is(err, service.ErrInvalidPassword):
		writeError(w, http.StatusBadRequest, "invalid_password", "current password is incorrect")
	case errors.Is(err, service.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "weak_password", "password must be at least 8 characters")
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		log.Printf("server: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
