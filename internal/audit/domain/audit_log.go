package domain

import "time"

// Actions recorded by the auth flows.
const (
	ActionLogin              = "login"
	ActionLoginFailure       = "login_failure"
	ActionLogout             = "logout"
	ActionRefreshRotated     = "refresh_rotated"
	ActionTokenReuseDetected = "token_reuse_detected"
	ActionPasswordChanged    = "password_changed"
	ActionSessionDeleted     = "session_deleted"
)

// AuditLog represents an audit event.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
