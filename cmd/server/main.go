package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/bags"
	"github.com/tracetrack/backend/internal/bills"
	"github.com/tracetrack/backend/internal/config"
	"github.com/tracetrack/backend/internal/database"
	"github.com/tracetrack/backend/internal/fabric"
	"github.com/tracetrack/backend/internal/handlers"
	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
	"github.com/tracetrack/backend/internal/scan"
	"github.com/tracetrack/backend/internal/stats"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.PoolSize, cfg.PoolOverflow)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// Session and scan-buffer stores: Redis when configured, otherwise
	// process-local memory.
	var (
		sessions auth.SessionStore
		buffers  scan.BufferStore
	)
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			log.Fatalf("redis url: %v", perr)
		}
		client := redis.NewClient(opts)
		if perr := client.Ping(ctx).Err(); perr != nil {
			log.Fatalf("redis: %v", perr)
		}
		defer client.Close()
		sessions = auth.NewRedisSessionStore(client, "tt:session:")
		buffers = scan.NewRedisBufferStore(client, "tt:scanbuf:", scan.DefaultBufferTTL)
		log.Printf("stores: redis")
	} else {
		mem := auth.NewMemorySessionStore()
		defer mem.Close()
		membuf := scan.NewMemoryBufferStore(scan.DefaultBufferTTL)
		defer membuf.Close()
		sessions = mem
		buffers = membuf
		log.Printf("stores: in-memory")
	}

	metrics := monitoring.NewMetrics()
	db.OnRetry(metrics.DBRetries.Inc)
	auditor := audit.NewRecorder(db)
	defer auditor.Close()

	users := auth.NewUserStore(db)
	authSvc := auth.NewService(users, sessions, auditor, cfg)
	bagSvc := bags.NewService(db, auditor)
	billSvc := bills.NewService(db, auditor, cfg.ParentWeightKG)
	statsSvc := stats.NewService(db)
	pipeline := scan.NewPipeline(db, buffers, auditor)
	defer pipeline.Close()

	// Scans invalidate the scanner's cached numbers and nudge the global
	// snapshot toward connected dashboards.
	pipeline.OnScan(func(userID int64) {
		statsSvc.InvalidateUser(userID)
		statsSvc.NotifyMutation()
	})

	hub := fabric.NewHub(cfg.IsProduction(), cfg.AllowedOrigins)
	statsSvc.OnUpdate(hub.Broadcast)
	statsSvc.StartReconciler(ctx)
	defer statsSvc.Close()

	if cfg.AdminPassword != "" {
		if err := seedAdmin(ctx, users, cfg.AdminPassword); err != nil {
			log.Fatalf("seed admin: %v", err)
		}
	}

	limiter := middleware.NewRateLimiter(cfg)
	defer limiter.Close()

	checker := monitoring.NewHealthChecker(db,
		sessions.Count,
		buffers.Count,
		func(ctx context.Context) (time.Duration, error) {
			snap, err := statsSvc.Global(ctx)
			if err != nil {
				return 0, err
			}
			return time.Since(snap.UpdatedAt), nil
		},
	)

	// Keep the session and buffer gauges fresh without tying them to the
	// request path.
	go pollGauges(ctx, metrics, sessions, buffers)

	router := handlers.NewRouter(handlers.Deps{
		Cfg:     cfg,
		DB:      db,
		Metrics: metrics,
		Auditor: auditor,
		Limiter: limiter,
		Auth:    authSvc,
		Bags:    bagSvc,
		Bills:   billSvc,
		Scan:    pipeline,
		Stats:   statsSvc,
		Health:  checker,
		Hub:     hub,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // websocket streams stay open
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("shutdown signal received, draining...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("listening on :%s (env=%s)", cfg.Port, cfg.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}

// seedAdmin creates the bootstrap admin account on first start. An existing
// admin user wins; the configured password is not applied over it.
func seedAdmin(ctx context.Context, users *auth.UserStore, password string) error {
	_, err := users.ByUsername(ctx, "admin")
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := users.Create(ctx, "admin", "admin@tracetrack.local", hash, auth.RoleAdmin); err != nil {
		return err
	}
	log.Printf("seeded initial admin user")
	return nil
}

func pollGauges(ctx context.Context, m *monitoring.Metrics, sessions auth.SessionStore, buffers scan.BufferStore) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.Count(ctx); err == nil {
				m.ActiveSessions.Set(float64(n))
			}
			if n, err := buffers.Count(ctx); err == nil {
				m.ScanBuffers.Set(float64(n))
			}
		}
	}
}
