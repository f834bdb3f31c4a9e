package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRefresh_RotatesChain(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	current := res.RefreshToken
	for i := 1; i <= 3; i++ {
		next, err := env.svc.Refresh(ctx, current, "")
		if err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		if next.RefreshToken == current {
			t.Fatalf("Refresh %d returned the same token", i)
		}
		if next.FamilyID != res.FamilyID {
			t.Errorf("Refresh %d family = %q, want %q", i, next.FamilyID, res.FamilyID)
		}
		// Chain linearity: exactly one live row per family at all times.
		if got := env.tokens.countActiveByFamily(res.FamilyID); got != 1 {
			t.Errorf("after refresh %d: active rows = %d, want 1", i, got)
		}
		current = next.RefreshToken
	}

	sess, _ := env.sessions.GetByID(ctx, res.SessionID)
	if sess.LastActivityAt == nil {
		t.Error("lastActivityAt should be bumped by rotation")
	}
}

func TestRefresh_InvalidToken(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, tok := range []string{"", "garbage"} {
		if _, err := env.svc.Refresh(context.Background(), tok, ""); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Errorf("Refresh(%q): want ErrInvalidRefreshToken, got %v", tok, err)
		}
	}
}

func TestRefresh_UnknownJTI(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")

	// Structurally valid token that has no ledger row.
	tok, _, err := env.svc.tokens.IssueRefresh("u1", "f-orphan", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := env.svc.Refresh(context.Background(), tok, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("want ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRefresh_ReuseDetection(t *testing.T) {
	env := newTestEnv(t, 0) // strict: grace 0
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	tokenA := res.RefreshToken

	resB, err := env.svc.Refresh(ctx, tokenA, "")
	if err != nil {
		t.Fatalf("rotate A->B: %v", err)
	}

	// A was consumed by the rotation; its jti sits in the blacklist. Swap in a
	// cold cache so the replay exercises the durable reuse path, not the fast path.
	env.resetCache()

	if _, err := env.svc.Refresh(ctx, tokenA, ""); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay of A: want ErrTokenReuseDetected, got %v", err)
	}

	// Family fully revoked: B is dead too.
	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 0 {
		t.Errorf("active rows after reuse = %d, want 0", got)
	}
	if _, err := env.svc.Refresh(ctx, resB.RefreshToken, ""); err == nil {
		t.Error("rotating B after family revocation should fail")
	} else if !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("rotating B: want ErrSessionRevoked, got %v", err)
	}
}

func TestRefresh_BlacklistFastPath(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, res.RefreshToken, ""); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The consumed jti is blacklisted by the rotation; replaying it hits the
	// cache before any ledger access.
	if _, err := env.svc.Refresh(ctx, res.RefreshToken, ""); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("replay with warm cache: want ErrTokenRevoked, got %v", err)
	}
}

func TestRefresh_RotationBound(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	// Small bound to keep the test fast.
	env.svc.maxRotations = 3
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	current := res.RefreshToken
	for i := 1; i <= 3; i++ {
		next, err := env.svc.Refresh(ctx, current, "")
		if err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		current = next.RefreshToken
	}

	if _, err := env.svc.Refresh(ctx, current, ""); !errors.Is(err, ErrMaxRotationExceeded) {
		t.Fatalf("refresh past bound: want ErrMaxRotationExceeded, got %v", err)
	}
	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 0 {
		t.Errorf("family should be fully revoked after bound, active = %d", got)
	}
}

func TestRefresh_BannedUser(t *testing.T) {
	env := newTestEnv(t, 0)
	u := env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u.Status = "banned"

	if _, err := env.svc.Refresh(ctx, res.RefreshToken, ""); !errors.Is(err, ErrUserBanned) {
		t.Errorf("want ErrUserBanned, got %v", err)
	}
}

func TestRefresh_LogoutThenRefresh(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	current := res.RefreshToken
	for i := 1; i <= 3; i++ {
		next, err := env.svc.Refresh(ctx, current, "")
		if err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		current = next.RefreshToken
	}
	if err := env.svc.Logout(ctx, current); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, current, ""); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("refresh after logout: want ErrSessionRevoked, got %v", err)
	}
}

func TestRefresh_LogoutSurvivesCacheLoss(t *testing.T) {
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

	// Simulate a restart: the blacklist cache is empty, only revoked_at
	// remains. The durable ledger must still reject the token, and a
	// logout-revoked row must not be misread as reuse.
	env.resetCache()
	if _, err := env.svc.Refresh(ctx, res.RefreshToken, ""); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("refresh after logout with cold cache: want ErrSessionRevoked, got %v", err)
	}
}

func TestRefresh_ConcurrentSameToken(t *testing.T) {
	// Grace window configured: the loser of the race is classified as a
	// duplicate call whichever interleaving occurs.
	env := newTestEnv(t, 30)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	resB, err := env.svc.Refresh(ctx, res.RefreshToken, "")
	if err != nil {
		t.Fatalf("rotate A->B: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	tokens := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := env.svc.Refresh(ctx, resB.RefreshToken, "")
			results[i] = err
			if r != nil {
				tokens[i] = r.RefreshToken
			}
		}(i)
	}
	wg.Wait()

	var successes, benign int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
			if tokens[i] == "" {
				t.Error("winner should receive a new token")
			}
		case errors.Is(err, ErrConcurrentRefresh), errors.Is(err, ErrTokenRevoked):
			// Race loss: either the conditional update failed or the winner's
			// blacklist insert landed first. Both are benign.
			benign++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	if benign != 1 {
		t.Fatalf("benign race losses = %d, want exactly 1", benign)
	}

	// The family survives a benign race: still exactly one live row.
	if got := env.tokens.countActiveByFamily(res.FamilyID); got != 1 {
		t.Errorf("active rows after race = %d, want 1", got)
	}
}

func TestRefresh_RaceLossIsNotReuse(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addUser(t, "u1", "a@example.com", "hunter2secret")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "a@example.com", "hunter2secret", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Force the conditional update to lose while the row still reads as
	// active: the exact interleaving of two concurrent rotations.
	env.svc.tokenRepo = &racingTokenRepo{memTokenRepo: env.tokens}

	_, err = env.svc.Refresh(ctx, res.RefreshToken, "")
	if !errors.Is(err, ErrConcurrentRefresh) {
		t.Fatalf("forced race loss: want ErrConcurrentRefresh, got %v", err)
	}
}

// racingTokenRepo reports rows as active on read but always loses the
// conditional revoke, reproducing a concurrent rotation winning in between.
type racingTokenRepo struct {
	*memTokenRepo
}

func (r *racingTokenRepo) RevokeIfActive(ctx context.Context, jti, reason string) (bool, error) {
	won, err := r.memTokenRepo.RevokeIfActive(ctx, jti, reason)
	if err != nil {
		return false, err
	}
	_ = won
	return false, nil
}
