package domain

import "time"

// Revocation reasons recorded on ledger rows.
const (
	ReasonRotated         = "rotated"
	ReasonLogout          = "logout"
	ReasonReuseDetected   = "reuse_detected"
	ReasonMaxRotations    = "max_rotations"
	ReasonPasswordChanged = "password_changed"
	ReasonSessionDeleted  = "session_deleted"
)

// RefreshToken is one row of the append-only refresh-token ledger. Rows are
// never deleted during normal operation; rotation revokes the old row and
// inserts a new one with RotationCount+1 under the same FamilyID.
type RefreshToken struct {
	JTI           string
	SessionID     string
	UserID        string
	FamilyID      string
	RotationCount int
	RevokedAt     *time.Time // nil while the token is the family's live tip
	RevokedReason string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Revoked reports whether the row has been durably revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the row is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
