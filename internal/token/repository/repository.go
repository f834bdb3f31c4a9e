package repository

import (
	"context"
	"time"

	"storefront-platform/backend/internal/token/domain"
)

// Repository defines persistence for the refresh-token ledger.
type Repository interface {
	// GetByJTIAndUser returns the ledger row for jti owned by userID, or nil
	// if no such row exists.
	GetByJTIAndUser(ctx context.Context, jti, userID string) (*domain.RefreshToken, error)
	Create(ctx context.Context, t *domain.RefreshToken) error
	// RevokeIfActive revokes the row for jti only if it is still active. It
	// returns true when this call performed the revocation and false when the
	// row was already revoked. Concurrent callers race on this update; exactly
	// one wins.
	RevokeIfActive(ctx context.Context, jti, reason string) (bool, error)
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeAllByUser(ctx context.Context, userID, reason string) error
	// CountActiveByFamily returns how many unrevoked rows the family has.
	// A healthy family has exactly one.
	CountActiveByFamily(ctx context.Context, familyID string) (int, error)
	// DeleteExpiredBefore prunes rows whose expiry is before cutoff. Returns
	// the number of rows removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
