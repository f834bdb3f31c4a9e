package otel

import (
	"context"
	"log"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"storefront-platform/backend/internal/telemetry"
	"storefront-platform/backend/internal/telemetry/domain"
)

// NewEventEmitter returns an EventEmitter that sends security events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("storefront.security")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.SecurityEvent) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the security event to an OTel log record and emits it. Best-effort; errors are logged.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.SecurityEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if event.Metadata != "" {
		rec.SetBody(otellog.StringValue(event.Metadata))
	}
	if event.EventType != "" {
		rec.AddAttributes(otellog.String("event_type", event.EventType))
	}
	if event.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", event.UserID))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.FamilyID != "" {
		rec.AddAttributes(otellog.String("tfid", event.FamilyID))
	}
	if event.Source != "" {
		rec.AddAttributes(otellog.String("source", event.Source))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

// EmitAsync runs Emit in a goroutine with a short timeout so the request is not blocked. Logs errors.
func EmitAsync(emitter telemetry.EventEmitter, event *domain.SecurityEvent) {
	if emitter == nil || event == nil {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Printf("telemetry: async emit failed: %v", err)
		}
	}()
}
