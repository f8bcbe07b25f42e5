// Package server exposes the HTTP surface: the WebSocket endpoint, the
// internal collaborator API, health probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/crowdstage/realtime/internal/auth"
	"github.com/crowdstage/realtime/internal/config"
	"github.com/crowdstage/realtime/internal/events"
	"github.com/crowdstage/realtime/internal/hub"
)

// IdentityInvalidator drops a cached identity snapshot so account changes
// (suspension above all) take effect on the next handshake without waiting
// for the cache TTL.
type IdentityInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

type Server struct {
	echo          *echo.Echo
	config        *config.Config
	hub           *hub.Hub
	authenticator *auth.Authenticator
	dispatcher    *events.Dispatcher
	limits        *ConnectionLimits
	clock         clockwork.Clock
	pool          *pgxpool.Pool
	redis         *goredis.Client     // nil when Redis is not configured
	invalidator   IdentityInvalidator // nil when Redis is not configured
}

func NewServer(cfg *config.Config, h *hub.Hub, authenticator *auth.Authenticator, dispatcher *events.Dispatcher, clock clockwork.Clock, pool *pgxpool.Pool, redisClient *goredis.Client, invalidator IdentityInvalidator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:          e,
		config:        cfg,
		hub:           h,
		authenticator: authenticator,
		dispatcher:    dispatcher,
		limits:        NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		clock:         clock,
		pool:          pool,
		redis:         redisClient,
		invalidator:   invalidator,
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
