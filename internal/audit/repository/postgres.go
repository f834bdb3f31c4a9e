package repository

import (
	"context"
	"database/sql"
	"errors"

	"storefront-platform/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const auditColumns = `id, user_id, action, resource, ip, metadata, created_at`

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	a, err := scanAuditLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// ListByUser returns audit logs for the given user, newest first, paginated by limit and offset.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_logs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, action, resource, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID,
		sql.NullString{String: a.UserID, Valid: a.UserID != ""},
		a.Action, a.Resource, a.IP,
		sql.NullString{String: a.Metadata, Valid: a.Metadata != ""},
		a.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditLog(row rowScanner) (*domain.AuditLog, error) {
	var (
		a        domain.AuditLog
		userID   sql.NullString
		metadata sql.NullString
	)
	if err := row.Scan(&a.ID, &userID, &a.Action, &a.Resource, &a.IP, &metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.UserID = userID.String
	a.Metadata = metadata.String
	return &a, nil
}
