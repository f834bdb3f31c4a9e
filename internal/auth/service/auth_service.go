// Package service implements the auth session lifecycle and refresh-token
// rotation engine: login, refresh with reuse detection, logout, password
// change with mass invalidation, and session management.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	auditdomain "storefront-platform/backend/internal/audit/domain"
	"storefront-platform/backend/internal/blacklist"
	"storefront-platform/backend/internal/policy/engine"
	"storefront-platform/backend/internal/security"
	sessiondomain "storefront-platform/backend/internal/session/domain"
	"storefront-platform/backend/internal/telemetry"
	telemetrydomain "storefront-platform/backend/internal/telemetry/domain"
	tokendomain "storefront-platform/backend/internal/token/domain"
	userdomain "storefront-platform/backend/internal/user/domain"
)

// Sentinel errors for the auth service; the HTTP layer maps them to status codes.
// All token-path failures are distinct kinds, never collapsed to a generic 401.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrTokenRevoked        = errors.New("refresh token revoked")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected; session family revoked")
	ErrMaxRotationExceeded = errors.New("refresh chain exhausted; login required")
	ErrConcurrentRefresh   = errors.New("concurrent refresh lost the rotation race")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserBanned          = errors.New("user is banned")
	ErrUserDeleted         = errors.New("user is deleted")
	ErrInvalidPassword     = errors.New("current password is incorrect")
	ErrWeakPassword        = errors.New("password must be at least 8 characters")
	ErrSessionNotFound     = errors.New("session not found")
)

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access-token expiry
	UserID       string
	SessionID    string
	FamilyID     string
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	IncrementTokenVersion(ctx context.Context, userID string) (int64, error)
}

// SessionRepo is the minimal session repository needed by the auth service.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllByUser(ctx context.Context, userID string) error
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error
}

// TokenRepo is the minimal refresh-token ledger repository needed by the auth service.
type TokenRepo interface {
	GetByJTIAndUser(ctx context.Context, jti, userID string) (*tokendomain.RefreshToken, error)
	Create(ctx context.Context, t *tokendomain.RefreshToken) error
	RevokeIfActive(ctx context.Context, jti, reason string) (bool, error)
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeAllByUser(ctx context.Context, userID, reason string) error
}

// AuditLogger matches audit.Logger; nil-able via the interface in the audit package.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, resource, metadata string)
}

// AuthService implements login, refresh rotation, logout, password change, and session management.
type AuthService struct {
	userRepo    UserRepo
	sessionRepo SessionRepo
	tokenRepo   TokenRepo
	hasher      *security.Hasher
	tokens      *security.TokenProvider
	blacklist   *blacklist.Cache
	reusePolicy engine.Evaluator
	auditLogger AuditLogger
	events      telemetry.EventEmitter
	metrics     *telemetry.Metrics

	sessionTTL   time.Duration
	maxRotations int
	graceSeconds int

	now func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies.
// auditLogger, events, and metrics may be nil; those concerns are then skipped.
func NewAuthService(
	userRepo UserRepo,
	sessionRepo SessionRepo,
	tokenRepo TokenRepo,
	hasher *security.Hasher,
	tokens *security.TokenProvider,
	bl *blacklist.Cache,
	reusePolicy engine.Evaluator,
	auditLogger AuditLogger,
	events telemetry.EventEmitter,
	metrics *telemetry.Metrics,
	sessionTTL time.Duration,
	maxRotations int,
	graceSeconds int,
) *AuthService {
	return &AuthService{
		userRepo:     userRepo,
		sessionRepo:  sessionRepo,
		tokenRepo:    tokenRepo,
		hasher:       hasher,
		tokens:       tokens,
		blacklist:    bl,
		reusePolicy:  reusePolicy,
		auditLogger:  auditLogger,
		events:       events,
		metrics:      metrics,
		sessionTTL:   sessionTTL,
		maxRotations: maxRotations,
		graceSeconds: graceSeconds,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Login authenticates with email/password, creates a session with a fresh
// token family, and returns the first access/refresh pair.
func (s *AuthService) Login(ctx context.Context, email, password, userAgent, ip string) (*AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.audit(ctx, "", auditdomain.ActionLoginFailure, email, "unknown email")
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		s.audit(ctx, user.ID, auditdomain.ActionLoginFailure, email, "bad password")
		return nil, ErrInvalidCredentials
	}
	switch user.Status {
	case userdomain.UserStatusBanned:
		return nil, ErrUserBanned
	case userdomain.UserStatusDeleted:
		return nil, ErrUserDeleted
	}

	now := s.now()
	sessionID := uuid.New().String()
	familyID := uuid.New().String()
	expiresAt := now.Add(s.sessionTTL)

	refreshToken, jti, err := s.tokens.IssueRefresh(user.ID, familyID, expiresAt)
	if err != nil {
		return nil, err
	}
	accessToken, accessExp, err := s.tokens.IssueAccess(user.ID, user.Roles, familyID, user.TokenVersion)
	if err != nil {
		return nil, err
	}

	sess := &sessiondomain.Session{
		ID:        sessionID,
		UserID:    user.ID,
		FamilyID:  familyID,
		UserAgent: userAgent,
		IPAddress: ip,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		return nil, err
	}
	root := &tokendomain.RefreshToken{
		JTI:           jti,
		SessionID:     sessionID,
		UserID:        user.ID,
		FamilyID:      familyID,
		RotationCount: 0,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}
	if err := s.tokenRepo.Create(ctx, root); err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, auditdomain.ActionLogin, sessionID, "")
	s.metrics.RecordLogin(ctx)
	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExp,
		UserID:       user.ID,
		SessionID:    sessionID,
		FamilyID:     familyID,
	}, nil
}

// Logout revokes the whole token family behind the presented refresh token and
// closes its session. An invalid or already-dead token is a no-op: logout is
// idempotent from the client's point of view.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil
	}
	if err := s.tokenRepo.RevokeFamily(ctx, claims.FamilyID, tokendomain.ReasonLogout); err != nil {
		return err
	}
	s.blacklist.BlacklistFamily(claims.FamilyID, claims.Subject, claims.ExpiresAt.Time)

	row, err := s.tokenRepo.GetByJTIAndUser(ctx, claims.ID, claims.Subject)
	if err == nil && row != nil {
		if err := s.sessionRepo.Revoke(ctx, row.SessionID); err != nil {
			return err
		}
		s.audit(ctx, claims.Subject, auditdomain.ActionLogout, row.SessionID, "")
	} else {
		s.audit(ctx, claims.Subject, auditdomain.ActionLogout, claims.FamilyID, "")
	}
	s.metrics.RecordSessionRevoked(ctx, 1)
	return nil
}

// ChangePassword verifies the current password, swaps the hash, bumps the
// user's token version, and kills every session, family, and refresh token the
// user has. Outstanding access tokens die with the version bump; refresh
// tokens die with the family revocations.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(currentPassword)); err != nil {
		return ErrInvalidPassword
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, userID, hashed); err != nil {
		return err
	}
	if _, err := s.userRepo.IncrementTokenVersion(ctx, userID); err != nil {
		return err
	}

	sessions, err := s.sessionRepo.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		s.blacklist.BlacklistFamily(sess.FamilyID, userID, sess.ExpiresAt)
	}
	if err := s.tokenRepo.RevokeAllByUser(ctx, userID, tokendomain.ReasonPasswordChanged); err != nil {
		return err
	}
	if err := s.sessionRepo.RevokeAllByUser(ctx, userID); err != nil {
		return err
	}

	s.audit(ctx, userID, auditdomain.ActionPasswordChanged, userID, fmt.Sprintf("sessions_revoked=%d", len(sessions)))
	s.emit(ctx, &telemetrydomain.SecurityEvent{
		EventType: telemetrydomain.EventMassInvalidation,
		UserID:    userID,
		Source:    "change_password",
		Metadata:  fmt.Sprintf("sessions_revoked=%d", len(sessions)),
		CreatedAt: s.now(),
	})
	s.metrics.RecordSessionRevoked(ctx, int64(len(sessions)))
	return nil
}

// ListSessions returns the user's non-expired sessions, most recent first.
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	return s.sessionRepo.ListActiveByUser(ctx, userID)
}

// DeleteSession revokes a single session owned by userID: its family is
// revoked and blacklisted, the session row closed. Tokens from other devices
// are untouched.
func (s *AuthService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.UserID != userID {
		return ErrSessionNotFound
	}
	if err := s.tokenRepo.RevokeFamily(ctx, sess.FamilyID, tokendomain.ReasonSessionDeleted); err != nil {
		return err
	}
	s.blacklist.BlacklistFamily(sess.FamilyID, userID, sess.ExpiresAt)
	if err := s.sessionRepo.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.audit(ctx, userID, auditdomain.ActionSessionDeleted, sessionID, "")
	s.metrics.RecordSessionRevoked(ctx, 1)
	return nil
}

func (s *AuthService) audit(ctx context.Context, userID, action, resource, metadata string) {
	if s.auditLogger == nil {
		return
	}
	s.auditLogger.LogEvent(ctx, userID, action, resource, metadata)
}

func (s *AuthService) emit(ctx context.Context, event *telemetrydomain.SecurityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Emit(ctx, event); err != nil {
		log.Printf("auth: security event emit failed: %v", err)
	}
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	return nil
}
