// Command seed-admin creates (or resets) the bootstrap admin account from
// ADMIN_PASSWORD. Meant for first-time setup and break-glass recovery.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/config"
	"github.com/tracetrack/backend/internal/database"
)

func main() {
	reset := flag.Bool("reset", false, "overwrite the password if the admin user already exists")
	username := flag.String("username", "admin", "admin account username")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AdminPassword == "" {
		log.Fatal("ADMIN_PASSWORD is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL, 1, 1)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	users := auth.NewUserStore(db)
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("hash: %v", err)
	}

	existing, err := users.ByUsername(ctx, *username)
	switch {
	case err == nil:
		if !*reset {
			log.Fatalf("user %q already exists (use -reset to overwrite the password)", *username)
		}
		if err := users.UpdatePasswordHash(ctx, existing.ID, hash); err != nil {
			log.Fatalf("update password: %v", err)
		}
		log.Printf("password reset for %q", *username)
	case apperr.KindOf(err) == apperr.KindNotFound:
		if _, err := users.Create(ctx, *username, *username+"@tracetrack.local", hash, auth.RoleAdmin); err != nil {
			log.Fatalf("create: %v", err)
		}
		log.Printf("created admin user %q", *username)
	default:
		log.Fatalf("lookup: %v", err)
	}
}
