package domain

import "time"

// Security event types emitted by the auth flows.
const (
	EventTokenReuseDetected   = "token_reuse_detected"
	EventFamilyRevoked        = "family_revoked"
	EventMassInvalidation     = "mass_invalidation"
	EventMaxRotationsExceeded = "max_rotations_exceeded"
)

// SecurityEvent is one security-relevant occurrence in the token lifecycle.
// Events flow to Kafka and are shipped to Loki by the worker; the JSON shape
// is the wire format on the topic.
type SecurityEvent struct {
	EventType string    `json:"eventType"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	FamilyID  string    `json:"tfid,omitempty"`
	Source    string    `json:"source,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
