package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Client-facing WebSocket endpoint (bearer credential required)
	s.echo.GET("/ws", s.handleWebSocket)

	// Collaborator API: the CRUD backend calls these after persisting a
	// state change, so the realtime layer stays eventually consistent with
	// storage without depending on it.
	internal := s.echo.Group("/internal", s.requireInternalKey)
	internal.POST("/broadcast/:room", s.handleInternalBroadcast)
	internal.POST("/notify/:userID", s.handleInternalNotify)
	internal.POST("/identities/:userID/invalidate", s.handleInternalInvalidate)
}
