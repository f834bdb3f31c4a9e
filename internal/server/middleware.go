package server

import (
	"errors"
	"net/http"
	"strings"

	"storefront-platform/backend/internal/security"
	userdomain "storefront-platform/backend/internal/user/domain"
)

// requireAuth validates the bearer access token and attaches the caller's
// identity to the request context.
//
// Beyond the signature and expiry checks, two revocation gates run on every
// request: the token's jti and family must not be blacklisted, and the
// token_version claim must match the user's current counter. A password change
// bumps the counter, so access tokens minted before it die here even though
// their exp is still in the future.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "authorization header required")
			return
		}

		claims, err := s.tokens.ValidateAccess(raw)
		if err != nil {
			if errors.Is(err, security.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token_expired", "access token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid_token", "access token invalid")
			return
		}

		if s.blacklist.IsJTIBlacklisted(claims.ID) || s.blacklist.IsFamilyBlacklisted(claims.FamilyID) {
			writeError(w, http.StatusUnauthorized, "token_revoked", "access token revoked")
			return
		}

		user, err := s.users.GetByID(r.Context(), claims.Subject)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "could not verify token")
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "access token invalid")
			return
		}
		switch user.Status {
		case userdomain.UserStatusBanned, userdomain.UserStatusDeleted:
			writeError(w, http.StatusForbidden, "account_disabled", "account is disabled")
			return
		}
		if claims.TokenVersion != user.TokenVersion {
			writeError(w, http.StatusUnauthorized, "token_stale", "access token superseded by credential change")
			return
		}

		ctx := WithIdentity(r.Context(), claims.Subject, claims.Roles, claims.FamilyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
