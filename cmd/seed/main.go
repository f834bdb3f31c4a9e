// seed inserts development sample data for local testing. Run via ./scripts/seed.sh.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"storefront-platform/backend/internal/config"
	"storefront-platform/backend/internal/db"
	"storefront-platform/backend/internal/security"
	userdomain "storefront-platform/backend/internal/user/domain"
	userrepo "storefront-platform/backend/internal/user/repository"
)

const (
	devUserEmail   = "dev@example.com"
	devPassword    = "password123"
	devUserID      = "dev-user-001"
	adminUserEmail = "admin@example.com"
	adminUserID    = "dev-admin-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	ctx := context.Background()

	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (dev@example.com exists). Skipping.")
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	now := time.Now().UTC()
	if err := users.Create(ctx, &userdomain.User{
		ID:           devUserID,
		Email:        devUserEmail,
		Name:         "Dev Customer",
		PasswordHash: passwordHash,
		Roles:        []string{"customer"},
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		log.Fatalf("create dev user: %v", err)
	}

	if err := users.Create(ctx, &userdomain.User{
		ID:           adminUserID,
		Email:        adminUserEmail,
		Name:         "Dev Admin",
		PasswordHash: passwordHash,
		Roles:        []string{"customer", "admin"},
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		log.Fatalf("create admin user: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Customer login: %s / %s\n", devUserEmail, devPassword)
	fmt.Printf("Admin login: %s / %s\n", adminUserEmail, devPassword)
}
