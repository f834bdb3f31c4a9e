package service

import (
	"context"
	"fmt"

	auditdomain "storefront-platform/backend/internal/audit/domain"
	"storefront-platform/backend/internal/policy/engine"
	telemetrydomain "storefront-platform/backend/internal/telemetry/domain"
	tokendomain "storefront-platform/backend/internal/token/domain"
	userdomain "storefront-platform/backend/internal/user/domain"
)

// Refresh consumes a refresh token and returns a new access/refresh pair.
//
// The presented token's ledger row moves Active -> Rotated under a conditional
// update; exactly one of two concurrent calls with the same token wins, the
// loser gets ErrConcurrentRefresh. A token whose row was already durably
// revoked by a prior completed rotation is a replay and goes through reuse
// handling instead.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ip string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	jti, userID, familyID := claims.ID, claims.Subject, claims.FamilyID

	// Fast path: cache hits skip the ledger round trip. The durable revoked_at
	// below remains the source of truth.
	if s.blacklist.IsJTIBlacklisted(jti) {
		return nil, ErrTokenRevoked
	}
	if s.blacklist.IsFamilyBlacklisted(familyID) {
		return nil, ErrSessionRevoked
	}

	row, err := s.tokenRepo.GetByJTIAndUser(ctx, jti, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrInvalidRefreshToken
	}

	if row.Revoked() {
		return nil, s.handleRevokedRow(ctx, row, ip)
	}

	if row.RotationCount >= s.maxRotations {
		if err := s.revokeAndBlacklistFamily(ctx, row, tokendomain.ReasonMaxRotations); err != nil {
			return nil, err
		}
		s.emit(ctx, &telemetrydomain.SecurityEvent{
			EventType: telemetrydomain.EventMaxRotationsExceeded,
			UserID:    userID,
			SessionID: row.SessionID,
			FamilyID:  familyID,
			Source:    "refresh",
			CreatedAt: s.now(),
		})
		return nil, ErrMaxRotationExceeded
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	switch user.Status {
	case userdomain.UserStatusBanned:
		return nil, ErrUserBanned
	case userdomain.UserStatusDeleted:
		return nil, ErrUserDeleted
	}

	// The compare-and-set: lose here and some concurrent call rotated first.
	won, err := s.tokenRepo.RevokeIfActive(ctx, jti, tokendomain.ReasonRotated)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrConcurrentRefresh
	}
	s.blacklist.BlacklistJTI(jti, userID, row.ExpiresAt, tokendomain.ReasonRotated)

	// Children inherit the family horizon: the chain never outlives its login.
	newRefresh, newJTI, err := s.tokens.IssueRefresh(userID, familyID, row.ExpiresAt)
	if err != nil {
		return nil, err
	}
	now := s.now()
	child := &tokendomain.RefreshToken{
		JTI:           newJTI,
		SessionID:     row.SessionID,
		UserID:        userID,
		FamilyID:      familyID,
		RotationCount: row.RotationCount + 1,
		ExpiresAt:     row.ExpiresAt,
		CreatedAt:     now,
	}
	if err := s.tokenRepo.Create(ctx, child); err != nil {
		return nil, err
	}
	if err := s.sessionRepo.UpdateLastActivity(ctx, row.SessionID, now); err != nil {
		return nil, err
	}

	accessToken, accessExp, err := s.tokens.IssueAccess(userID, user.Roles, familyID, user.TokenVersion)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, userID, auditdomain.ActionRefreshRotated, row.SessionID,
		fmt.Sprintf("rotation_count=%d", child.RotationCount))
	s.metrics.RecordRotation(ctx)
	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    accessExp,
		UserID:       userID,
		SessionID:    row.SessionID,
		FamilyID:     familyID,
	}, nil
}

// handleRevokedRow classifies the presentation of a durably revoked token.
//
// Rows revoked by logout, session deletion, or password change simply mean the
// session is gone. Rows revoked by a completed rotation are replays: the reuse
// policy decides whether this is a duplicate client call inside the grace
// window or a compromise requiring family-wide revocation.
func (s *AuthService) handleRevokedRow(ctx context.Context, row *tokendomain.RefreshToken, ip string) error {
	if row.RevokedReason != tokendomain.ReasonRotated {
		s.blacklist.BlacklistFamily(row.FamilyID, row.UserID, row.ExpiresAt)
		return ErrSessionRevoked
	}

	rc := engine.ReuseContext{
		SecondsSinceRevoked: int64(s.now().Sub(*row.RevokedAt).Seconds()),
		RotationCount:       row.RotationCount,
		SameIP:              s.sameIP(ctx, row.SessionID, ip),
		GraceSeconds:        s.graceSeconds,
	}
	verdict, err := s.reusePolicy.EvaluateReuse(ctx, rc)
	if err != nil {
		// Fail closed: an unevaluable policy treats the replay as compromise.
		verdict.TreatAsCompromise = true
	}
	if !verdict.TreatAsCompromise {
		return ErrConcurrentRefresh
	}

	if err := s.revokeAndBlacklistFamily(ctx, row, tokendomain.ReasonReuseDetected); err != nil {
		return err
	}
	s.audit(ctx, row.UserID, auditdomain.ActionTokenReuseDetected, row.SessionID,
		fmt.Sprintf("jti=%s seconds_since_revoked=%d", row.JTI, rc.SecondsSinceRevoked))
	s.emit(ctx, &telemetrydomain.SecurityEvent{
		EventType: telemetrydomain.EventTokenReuseDetected,
		UserID:    row.UserID,
		SessionID: row.SessionID,
		FamilyID:  row.FamilyID,
		Source:    "refresh",
		Metadata:  fmt.Sprintf("jti=%s rotation_count=%d", row.JTI, row.RotationCount),
		CreatedAt: s.now(),
	})
	s.metrics.RecordReuseDetected(ctx)
	return ErrTokenReuseDetected
}

// revokeAndBlacklistFamily durably revokes every row in the family and
// blacklists it until the family's own expiry.
func (s *AuthService) revokeAndBlacklistFamily(ctx context.Context, row *tokendomain.RefreshToken, reason string) error {
	if err := s.tokenRepo.RevokeFamily(ctx, row.FamilyID, reason); err != nil {
		return err
	}
	s.blacklist.BlacklistFamily(row.FamilyID, row.UserID, row.ExpiresAt)
	return nil
}

func (s *AuthService) sameIP(ctx context.Context, sessionID, ip string) bool {
	if ip == "" {
		return false
	}
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil || sess == nil {
		return false
	}
	return sess.IPAddress == ip
}
