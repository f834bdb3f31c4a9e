// Package telemetry defines emission of security events (Kafka, OTel logs).
package telemetry

import (
	"context"

	"storefront-platform/backend/internal/telemetry/domain"
)

// EventEmitter emits security events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.SecurityEvent) error
}
