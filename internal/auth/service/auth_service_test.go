package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront-platform/backend/internal/blacklist"
	"storefront-platform/backend/internal/policy/engine"
	"storefront-platform/backend/internal/security"
	sessiondomain "storefront-platform/backend/internal/session/domain"
	tokendomain "storefront-platform/backend/internal/token/domain"
	userdomain "storefront-platform/backend/internal/user/domain"
)

// In-memory repositories for service tests.

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*userdomain.User)}
}

func (m *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUserRepo) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (m *memUserRepo) IncrementTokenVersion(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, errors.New("user not found")
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*sessiondomain.Session
	nowF     func() time.Time
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions: make(map[string]*sessiondomain.Session),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *memSessionRepo) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) ListActiveByUser(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	var out []*sessiondomain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessionRepo) Create(ctx context.Context, s *sessiondomain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionRepo) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.RevokedAt == nil {
		now := m.nowF()
		s.RevokedAt = &now
	}
	return nil
}

func (m *memSessionRepo) RevokeAllByUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	return nil
}

func (m *memSessionRepo) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = &at
	}
	return nil
}

type memTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*tokendomain.RefreshToken
	nowF   func() time.Time
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{
		tokens: make(map[string]*tokendomain.RefreshToken),
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *memTokenRepo) GetByJTIAndUser(ctx context.Context, jti, userID string) (*tokendomain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[jti]
	if !ok || t.UserID != userID {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTokenRepo) Create(ctx context.Context, t *tokendomain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.JTI] = &cp
	return nil
}

func (m *memTokenRepo) RevokeIfActive(ctx context.Context, jti, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[jti]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	now := m.nowF()
	t.RevokedAt = &now
	t.RevokedReason = reason
	return true, nil
}

func (m *memTokenRepo) RevokeFamily(ctx context.Context, familyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	for _, t := range m.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			t.RevokedAt = &now
			t.RevokedReason = reason
		}
	}
	return nil
}

func (m *memTokenRepo) RevokeAllByUser(ctx context.Context, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			t.RevokedReason = reason
		}
	}
	return nil
}

func (m *memTokenRepo) countActiveByFamily(familyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc      *AuthService
	users    *memUserRepo
	sessions *memSessionRepo
	tokens   *memTokenRepo
	cache    *blacklist.Cache
}

func newTestEnv(t *testing.T, graceSeconds int) *testEnv {
	t.Helper()
	provider, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	policy, err := engine.NewOPAEvaluator()
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	users := newMemUserRepo()
	sessions := newMemSessionRepo()
	tokens := newMemTokenRepo()
	cache := blacklist.NewCache()
	hasher := security.NewHasher(4) // min cost, tests only
	svc := NewAuthService(users, sessions, tokens, hasher, provider, cache, policy,
		nil, nil, nil, 14*24*time.Hour, 96, graceSeconds)
	return &testEnv{svc: svc, users: users, sessions: sessions, tokens: tokens, cache: cache}
}

// resetCache swaps in an empty blacklist cache, simulating a process restart.
func (e *testEnv) resetCache() {
	e.cache = blacklist.NewCache()
	e.svc.blacklist = e.cache
}

func (e *testEnv) addUser(t *testing.T, id, email, password string) *userdomain.User {
	t.Helper()
	hasher := security.NewHasher(4)
	hash, err := hasher.Hash([]byte(password))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	now := time.Now().UTC()
	u := &userdomain.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Roles:        []string{"customer"},
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.users.mu.Lock()
	e.users.users[id] = u
	e.users.mu.Unlock()
	return u
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "firefox", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("tokens should be issued")
	}
	if res.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", res.UserID)
	}
	if res.FamilyID == "" || res.SessionID == "" {
		t.Error("session and family ids should be set")
	}

	sess, err := env.sessions.GetByID(ctx, res.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session not created: %v", err)
	}
	if sess.FamilyID != res.FamilyID {
		t.Errorf("session family = %q, want %q", sess.FamilyID, res.FamilyID)
	}
	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 1 {
		t.Errorf("active rows in family = %d, want 1", got)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")

	_, err := env.svc.Login(context.Background(), "a@example.com", "wrong", "", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestLogin_UnknownEmail(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.svc.Login(context.Background(), "nobody@example.com", "whatever", "", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestLogin_BannedUser(t *testing.T) {
	env := newTestEnv(t, 0)
	u := env.addUser(t, "u1", "a@example.com", "hunter2secret")
	u.Status = userdomain.UserStatusBanned

	_, err := env.svc.Login(context.Background(), "a@example.com", "hunter2secret", "", "")
	if !errors.Is(err, ErrUserBanned) {
		t.Errorf("want ErrUserBanned, got %v", err)
	}
}

func TestChangePassword_WrongCurrent(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")

	err := env.svc.ChangePassword(context.Background(), "u1", "wrong", "newpassword1")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("want ErrInvalidPassword, got %v", err)
	}
}

func TestChangePassword_MassInvalidation(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	// Two devices.
	res1, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "firefox", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login 1: %v", err)
	}
	res2, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "chrome", "10.0.0.2")
	if err != nil {
		t.Fatalf("Login 2: %v", err)
	}

	if err := env.svc.ChangePassword(ctx, "u1", "hunter2secret", "newpassword1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// Version gate: previously issued access tokens carry the old version.
	u, _ := env.users.GetByID(ctx, "u1")
	if u.TokenVersion != 1 {
		t.Errorf("TokenVersion = %d, want 1", u.TokenVersion)
	}
	claims, err := env.svc.tokens.ValidateAccess(res1.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.TokenVersion == u.TokenVersion {
		t.Error("old access token should carry a stale token version")
	}

	// Both refresh tokens are dead.
	for i, res := range []*AuthResult{res1, res2} {
		if _, err := env.svc.Refresh(ctx, res.RefreshToken, ""); !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("refresh %d after password change: want ErrSessionRevoked, got %v", i+1, err)
		}
	}

	// New login works with the new password.
	if _, err := env.svc.Login(ctx, "a@example.com", "newpassword1", "", ""); err != nil {
		t.Errorf("login with new password: %v", err)
	}

	sessions, _ := env.sessions.ListActiveByUser(ctx, "u1")
	if len(sessions) != 1 {
		t.Errorf("active sessions after change+login = %d, want 1", len(sessions))
	}
}

func TestLogout_RevokesFamilyAndSession(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := env.svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 0 {
		t.Errorf("active rows after logout = %d, want 0", got)
	}
	sess, _ := env.sessions.GetByID(ctx, res.SessionID)
	if sess.RevokedAt == nil {
		t.Error("session should be revoked after logout")
	}
	if !env.cache.IsFamilyBlacklisted(res.FamilyID) {
		t.Error("family should be blacklisted after logout")
	}
}

func TestLogout_InvalidTokenIsNoop(t *testing.T) {
	env := newTestEnv(t, 0)
	if err := env.svc.Logout(context.Background(), "garbage"); err != nil {
		t.Errorf("Logout with invalid token should be a no-op, got %v", err)
	}
	if err := env.svc.Logout(context.Background(), ""); err != nil {
		t.Errorf("Logout with empty token should be a no-op, got %v", err)
	}
}

func TestListSessions_OnlyActive(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res1, _ := env.svc.Login(ctx, "a@example.com", "hunter2secret", "firefox", "")
	res2, _ := env.svc.Login(ctx, "a@example.com", "hunter2secret", "chrome", "")

	if err := env.svc.DeleteSession(ctx, "u1", res1.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions, err := env.svc.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != res2.SessionID {
		t.Errorf("ListSessions = %d sessions, want only %s", len(sessions), res2.SessionID)
	}
}

func TestDeleteSession_WrongOwner(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	env.addUser(t, "u2", "b@example.com", "hunter2secret")
	ctx := context.Background()

	res, _ := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")

	err := env.svc.DeleteSession(ctx, "u2", res.SessionID)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
	// u1's family must be untouched.
	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 1 {
		t.Errorf("active rows = %d, want 1", got)
	}
}

func TestDeleteSession_KillsOnlyThatFamily(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res1, _ := env.svc.Login(ctx, "a@example.com", "hunter2secret", "firefox", "")
	res2, _ := env.svc.Login(ctx, "a@example.com", "hunter2secret", "chrome", "")

	if err := env.svc.DeleteSession(ctx, "u1", res1.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, res1.RefreshToken, ""); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("deleted session refresh: want ErrSessionRevoked, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, res2.RefreshToken, ""); err != nil {
		t.Errorf("other session refresh should still work, got %v", err)
	}
}
