// Server runs the storefront auth HTTP API: login, refresh rotation, logout,
// password change, and session management.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	auditlog "storefront-platform/backend/internal/audit"
	auditrepo "storefront-platform/backend/internal/audit/repository"
	"storefront-platform/backend/internal/auth/service"
	"storefront-platform/backend/internal/blacklist"
	"storefront-platform/backend/internal/config"
	"storefront-platform/backend/internal/db"
	"storefront-platform/backend/internal/db/migrate"
	"storefront-platform/backend/internal/policy/engine"
	"storefront-platform/backend/internal/security"
	"storefront-platform/backend/internal/server"
	sessionrepo "storefront-platform/backend/internal/session/repository"
	"storefront-platform/backend/internal/telemetry"
	"storefront-platform/backend/internal/telemetry/otel"
	"storefront-platform/backend/internal/telemetry/producer"
	tokenrepo "storefront-platform/backend/internal/token/repository"
	userrepo "storefront-platform/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate: %v", err)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	privateKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("JWT_PRIVATE_KEY: %v", err)
	}
	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("JWT_PUBLIC_KEY: %v", err)
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	var reusePolicy *engine.OPAEvaluator
	if cfg.ReusePolicyPath != "" {
		reusePolicy, err = engine.NewOPAEvaluatorFromFile(cfg.ReusePolicyPath)
	} else {
		reusePolicy, err = engine.NewOPAEvaluator()
	}
	if err != nil {
		log.Fatalf("reuse policy: %v", err)
	}
	if err := reusePolicy.HealthCheck(ctx); err != nil {
		log.Fatalf("reuse policy health check: %v", err)
	}

	cache := blacklist.NewCache()
	cache.StartSweeper(ctx, cfg.SweepInterval())

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "storefront-auth", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(providers.MeterProvider.Meter("storefront-auth"), cache.Len)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	var events telemetry.EventEmitter
	if brokers := cfg.SecurityKafkaBrokersList(); len(brokers) > 0 {
		kafkaProducer, err := producer.NewKafkaProducer(brokers, cfg.SecurityKafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer kafkaProducer.Close()
		events = kafkaProducer
		log.Printf("security events -> kafka %v topic %s", brokers, cfg.SecurityKafkaTopic)
	} else {
		events = otel.NewEventEmitter(providers.LoggerProvider)
	}

	users := userrepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	ledger := tokenrepo.NewPostgresRepository(conn)
	audits := auditrepo.NewPostgresRepository(conn)
	auditor := auditlog.NewLogger(audits, server.GetClientIP)

	hasher := security.NewHasher(cfg.BcryptCost)
	authSvc := service.NewAuthService(
		users, sessions, ledger,
		hasher, tokens, cache, reusePolicy,
		auditor, events, metrics,
		cfg.SessionHorizon(), cfg.RefreshMaxRotations, cfg.ReuseGraceSeconds,
	)

	srv := server.NewServer(authSvc, tokens, users, cache, cfg.CORSOrigins())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("auth server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("auth server stopped")
}
