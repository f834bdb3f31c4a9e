package domain

import "time"

// Session represents one login on one device. FamilyID ties the session to its
// refresh-token rotation chain; revoking the session always revokes the family.
type Session struct {
	ID             string
	UserID         string
	FamilyID       string
	UserAgent      string
	IPAddress      string
	LastActivityAt *time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time // nil when not revoked
	CreatedAt      time.Time
}

// Active reports whether the session is neither revoked nor expired at t.
func (s *Session) Active(t time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(t)
}
