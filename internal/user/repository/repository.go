package repository

import (
	"context"

	"storefront-platform/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	// IncrementTokenVersion atomically bumps the user's token version and
	// returns the new value. Access tokens carrying an older version are
	// rejected from that moment on.
	IncrementTokenVersion(ctx context.Context, userID string) (int64, error)
}
