package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/crowdstage/realtime/internal/auth"
	"github.com/crowdstage/realtime/internal/config"
	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/events"
	"github.com/crowdstage/realtime/internal/hub"
	"github.com/crowdstage/realtime/internal/logging"
	"github.com/crowdstage/realtime/internal/postgres"
	"github.com/crowdstage/realtime/internal/reconcile"
	"github.com/crowdstage/realtime/internal/redis"
	"github.com/crowdstage/realtime/internal/server"
)

func setupConfig() *config.Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub, stopReconciler func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopReconciler()
		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	// Identity resolution: Postgres, fronted by Redis when configured.
	var resolver domain.IdentityResolver = postgres.NewIdentityRepo(pool)

	var (
		redisClient *goredis.Client
		invalidator server.IdentityInvalidator
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()
		cache := redis.NewIdentityCache(redisClient, resolver, cfg.IdentityCacheTTL)
		resolver = cache
		invalidator = cache
	}

	authenticator := auth.New(cfg.JWTSecret, resolver)

	h := hub.New(clock)
	dispatcher := events.NewDispatcher(h, clock)

	reconciler := reconcile.New(h, clock, cfg.ReconcileInterval)
	stopReconciler := reconciler.Start()

	srv := server.NewServer(cfg, h, authenticator, dispatcher, clock, pool, redisClient, invalidator)

	done := runGracefulShutdown(srv, h, stopReconciler)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
