package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the auth-engine meters. A zero Metrics is safe to use and
// records nothing.
type Metrics struct {
	rotations      metric.Int64Counter
	reuseDetected  metric.Int64Counter
	logins         metric.Int64Counter
	sessionRevoked metric.Int64Counter
}

// NewMetrics creates the auth counters on the given meter and registers an
// observable gauge reporting the blacklist size via blacklistLen.
func NewMetrics(meter metric.Meter, blacklistLen func() int) (*Metrics, error) {
	rotations, err := meter.Int64Counter("auth.refresh.rotations",
		metric.WithDescription("Completed refresh-token rotations"))
	if err != nil {
		return nil, err
	}
	reuse, err := meter.Int64Counter("auth.refresh.reuse_detected",
		metric.WithDescription("Refresh-token replays classified as compromise"))
	if err != nil {
		return nil, err
	}
	logins, err := meter.Int64Counter("auth.logins",
		metric.WithDescription("Successful logins"))
	if err != nil {
		return nil, err
	}
	revoked, err := meter.Int64Counter("auth.sessions.revoked",
		metric.WithDescription("Sessions revoked (logout, delete, password change)"))
	if err != nil {
		return nil, err
	}
	if blacklistLen != nil {
		gauge, err := meter.Int64ObservableGauge("auth.blacklist.size",
			metric.WithDescription("Live entries in the process-local blacklist cache"))
		if err != nil {
			return nil, err
		}
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(blacklistLen()))
			return nil
		}, gauge)
		if err != nil {
			return nil, err
		}
	}
	return &Metrics{
		rotations:      rotations,
		reuseDetected:  reuse,
		logins:         logins,
		sessionRevoked: revoked,
	}, nil
}

func (m *Metrics) RecordRotation(ctx context.Context) {
	if m == nil || m.rotations == nil {
		return
	}
	m.rotations.Add(ctx, 1)
}

func (m *Metrics) RecordReuseDetected(ctx context.Context) {
	if m == nil || m.reuseDetected == nil {
		return
	}
	m.reuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordLogin(ctx context.Context) {
	if m == nil || m.logins == nil {
		return
	}
	m.logins.Add(ctx, 1)
}

func (m *Metrics) RecordSessionRevoked(ctx context.Context, n int64) {
	if m == nil || m.sessionRevoked == nil {
		return
	}
	m.sessionRevoked.Add(ctx, n)
}
