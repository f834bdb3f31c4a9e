package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"storefront-platform/backend/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, user_id, family_id, user_agent, ip_address, last_activity_at, expires_at, revoked_at, created_at`

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListActiveByUser returns non-revoked, non-expired sessions for the user,
// ordered by last activity (falling back to creation time), newest first.
func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		 ORDER BY COALESCE(last_activity_at, created_at) DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, family_id, user_agent, ip_address, last_activity_at, expires_at, revoked_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.UserID, s.FamilyID,
		nullString(s.UserAgent), nullString(s.IPAddress),
		timeToNullTime(s.LastActivityAt), s.ExpiresAt, timeToNullTime(s.RevokedAt), s.CreatedAt)
	return err
}

// Revoke marks the session with the given id as revoked. Already-revoked
// sessions keep their original revoked_at.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}

// RevokeAllByUser revokes all active sessions for the given user.
func (r *PostgresRepository) RevokeAllByUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return err
}

// UpdateLastActivity sets the session's last-activity timestamp.
func (r *PostgresRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s            domain.Session
		userAgent    sql.NullString
		ipAddress    sql.NullString
		lastActivity sql.NullTime
		revokedAt    sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.FamilyID, &userAgent, &ipAddress,
		&lastActivity, &s.ExpiresAt, &revokedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.UserAgent = userAgent.String
	s.IPAddress = ipAddress.String
	s.LastActivityAt = nullTimeToPtr(lastActivity)
	s.RevokedAt = nullTimeToPtr(revokedAt)
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
