package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"storefront-platform/backend/internal/auth/service"
	"storefront-platform/backend/internal/blacklist"
	"storefront-platform/backend/internal/security"
	sessiondomain "storefront-platform/backend/internal/session/domain"
	userdomain "storefront-platform/backend/internal/user/domain"
)

// AuthService is the surface of the auth service used by the HTTP handlers.
type AuthService interface {
	Login(ctx context.Context, email, password, userAgent, ip string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken, ip string) (*service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	ListSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// UserGetter loads users for the per-request token-version gate.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Server exposes the auth service over HTTP.
type Server struct {
	auth      AuthService
	tokens    *security.TokenProvider
	users     UserGetter
	blacklist *blacklist.Cache

	allowedOrigins []string
}

// NewServer returns an HTTP server for the auth endpoints. allowedOrigins
// configures CORS; empty falls back to the rs/cors default of allowing any
// origin, which is only acceptable for local development.
func NewServer(auth AuthService, tokens *security.TokenProvider, users UserGetter, bl *blacklist.Cache, allowedOrigins []string) *Server {
	return &Server{
		auth:           auth,
		tokens:         tokens,
		users:          users,
		blacklist:      bl,
		allowedOrigins: allowedOrigins,
	}
}

// Router builds the route table. Login, refresh, and logout are public; the
// refresh token in the body is the credential. Everything else requires a
// bearer access token.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.clientIPMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/login", s.handleLogin).Methods("POST")
	authRouter.HandleFunc("/refresh", s.handleRefresh).Methods("POST")
	authRouter.HandleFunc("/logout", s.handleLogout).Methods("POST")

	protected := router.PathPrefix("/auth").Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/password", s.handleChangePassword).Methods("POST")
	protected.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	protected.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	return router
}

// Handler wraps the router with CORS and is what callers should serve.
func (s *Server) Handler() http.Handler {
	co := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return co.Handler(s.Router())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIPMiddleware stashes the caller's IP in the request context so the
// service and audit layers can read it without touching net/http.
func (s *Server) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), clientIP(r))))
	})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
