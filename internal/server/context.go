package server

import "context"

// contextKey is a private type so request-scoped values cannot collide with
// keys set by other packages.
type contextKey struct{ name string }

var (
	userIDKey   = contextKey{"userID"}
	rolesKey    = contextKey{"roles"}
	familyIDKey = contextKey{"familyID"}
	clientIPKey = contextKey{"clientIP"}
)

// WithIdentity returns a context carrying the authenticated caller's identity.
func WithIdentity(ctx context.Context, userID string, roles []string, familyID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, rolesKey, roles)
	ctx = context.WithValue(ctx, familyIDKey, familyID)
	return ctx
}

// GetUserID returns the authenticated user id, or "" when unauthenticated.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// GetRoles returns the authenticated user's roles, or nil.
func GetRoles(ctx context.Context) []string {
	v, _ := ctx.Value(rolesKey).([]string)
	return v
}

// GetFamilyID returns the token-family id from the access token, or "".
func GetFamilyID(ctx context.Context) string {
	v, _ := ctx.Value(familyIDKey).(string)
	return v
}

// WithClientIP returns a context carrying the remote client IP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// GetClientIP returns the remote client IP, or "unknown" when absent.
// Its signature matches audit.IPExtractor.
func GetClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
