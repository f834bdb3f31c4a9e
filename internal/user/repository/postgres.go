package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"storefront-platform/backend/internal/user/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, name, password_hash, roles, token_version, status, created_at, updated_at`

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail returns the user for email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// Create persists the user. The user must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, roles, token_version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Email, u.Name, u.PasswordHash, joinRoles(u.Roles),
		u.TokenVersion, string(u.Status), u.CreatedAt, u.UpdatedAt)
	return err
}

// UpdatePasswordHash replaces the user's password hash.
func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, passwordHash)
	return err
}

// IncrementTokenVersion atomically bumps the user's token version and returns the new value.
func (r *PostgresRepository) IncrementTokenVersion(ctx context.Context, userID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = now()
		 WHERE id = $1 RETURNING token_version`, userID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("user not found")
		}
		return 0, err
	}
	return version, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u      domain.User
		roles  string
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &roles,
		&u.TokenVersion, &status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Roles = splitRoles(roles)
	u.Status = domain.UserStatus(status)
	return &u, nil
}

// Roles are stored as a comma-joined text column.
func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
