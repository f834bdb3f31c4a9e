package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"storefront-platform/backend/internal/token/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a refresh-token ledger repository backed by the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const tokenColumns = `jti, session_id, user_id, family_id, rotation_count, revoked_at, revoked_reason, expires_at, created_at`

// GetByJTIAndUser returns the ledger row for jti owned by userID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByJTIAndUser(ctx context.Context, jti, userID string) (*domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE jti = $1 AND user_id = $2`,
		jti, userID)

	var (
		t             domain.RefreshToken
		revokedAt     sql.NullTime
		revokedReason sql.NullString
	)
	err := row.Scan(&t.JTI, &t.SessionID, &t.UserID, &t.FamilyID, &t.RotationCount,
		&revokedAt, &revokedReason, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	t.RevokedReason = revokedReason.String
	return &t, nil
}

// Create appends a ledger row. The row must have JTI set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (jti, session_id, user_id, family_id, rotation_count, revoked_at, revoked_reason, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.JTI, t.SessionID, t.UserID, t.FamilyID, t.RotationCount,
		revokedAtValue(t.RevokedAt), sql.NullString{String: t.RevokedReason, Valid: t.RevokedReason != ""},
		t.ExpiresAt, t.CreatedAt)
	return err
}

// RevokeIfActive revokes the row for jti only if revoked_at is still NULL.
// The guard makes the revocation a compare-and-set: under concurrent refreshes
// exactly one caller sees true, every other sees false.
func (r *PostgresRepository) RevokeIfActive(ctx context.Context, jti, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now(), revoked_reason = $2
		 WHERE jti = $1 AND revoked_at IS NULL`, jti, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeFamily revokes every active row in the family.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, familyID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now(), revoked_reason = $2
		 WHERE family_id = $1 AND revoked_at IS NULL`, familyID, reason)
	return err
}

// RevokeAllByUser revokes every active row owned by the user, across all families.
func (r *PostgresRepository) RevokeAllByUser(ctx context.Context, userID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now(), revoked_reason = $2
		 WHERE user_id = $1 AND revoked_at IS NULL`, userID, reason)
	return err
}

// CountActiveByFamily returns how many unrevoked rows the family has.
func (r *PostgresRepository) CountActiveByFamily(ctx context.Context, familyID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refresh_tokens WHERE family_id = $1 AND revoked_at IS NULL`,
		familyID).Scan(&n)
	return n, err
}

// DeleteExpiredBefore prunes rows whose expiry is before cutoff.
func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func revokedAtValue(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
