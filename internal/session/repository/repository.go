package repository

import (
	"context"
	"time"

	"storefront-platform/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// ListActiveByUser returns non-revoked, non-expired sessions for the user,
	// most recently active first.
	ListActiveByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllByUser(ctx context.Context, userID string) error
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error
}
