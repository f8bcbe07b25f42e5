package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/events"
	"github.com/crowdstage/realtime/internal/logging"
	"github.com/crowdstage/realtime/internal/metrics"
)

// Clients connect from arbitrary origins and are admitted by bearer
// credential, not by cookie, so origin checking adds nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket is the connection entry point: limits, then
// authentication, then upgrade, then registration, then the read pump.
// Nothing is observable in the registry until authentication has succeeded.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "connection limit reached"})
	}
	defer s.limits.Release(ip)

	identity, err := s.authenticator.Authenticate(c.Request().Context(), bearerToken(c.Request()))
	if err != nil {
		return c.JSON(authStatus(err), map[string]string{"error": authMessage(err)})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	record := domain.Connection{
		ID:        uuid.New(),
		Identity:  identity,
		CreatedAt: s.clock.Now(),
	}
	logger := logging.WithConnection(record.ID.String()).With("user_id", identity.ID.String())

	if err := s.hub.Register(record, conn); err != nil {
		logger.Error("Failed to register connection", "error", err)
		_ = conn.Close()
		return nil
	}

	// Read pump: blocks until the client disconnects.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("Read pump closed", "error", err)
			break
		}
		s.dispatcher.Dispatch(record.ID, identity, raw)
	}

	// Disconnection cleanup: the unregister removes the connection from the
	// registry and every room atomically; the announcements follow.
	departure, found := s.hub.Unregister(record.ID)
	if found {
		left := make([]events.RoomDeparture, 0, len(departure.Rooms))
		for _, rc := range departure.Rooms {
			left = append(left, events.RoomDeparture{Room: rc.Room, Size: rc.Size})
		}
		s.dispatcher.Disconnected(identity, left)
	}

	return nil
}

// bearerToken extracts the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrMissingCredential), errors.Is(err, domain.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrIdentityNotFound), errors.Is(err, domain.ErrIdentitySuspended):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingCredential):
		return "authentication error: no token provided"
	case errors.Is(err, domain.ErrInvalidCredential):
		return "authentication error: invalid token"
	case errors.Is(err, domain.ErrIdentityNotFound):
		return "authentication error: user not found"
	case errors.Is(err, domain.ErrIdentitySuspended):
		return "authentication error: account suspended"
	default:
		return "authentication error"
	}
}

// --- Collaborator API ---

type broadcastRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// requireInternalKey guards the collaborator API with a shared key. The API
// layer is trusted to have authorized the action before calling in.
func (s *Server) requireInternalKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Internal-Api-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.config.InternalAPIKey)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
		return next(c)
	}
}

// handleInternalBroadcast relays a typed event to every current member of a
// room. A room with no members is a success with zero deliveries.
func (s *Server) handleInternalBroadcast(c echo.Context) error {
	room := c.Param("room")
	if room == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "room is required"})
	}

	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}
	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}

	data, err := events.Encode(req.Event, req.Payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to encode event"})
	}

	s.hub.BroadcastToRoom(room, data)
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"room":    room,
		"viewers": s.hub.Size(room),
	})
}

// handleInternalNotify delivers a notification to every connection the user
// currently owns. A user with no connections is a success with zero
// deliveries; nothing is queued for later.
func (s *Server) handleInternalNotify(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user ID"})
	}

	var payload json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	data, err := events.Encode(events.TypeNotificationReceived, payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to encode notification"})
	}

	s.hub.SendToUser(userID, data)
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": len(s.hub.FindByUser(userID)),
	})
}

// handleInternalInvalidate drops the cached identity snapshot for a user,
// so a suspension applies to the next handshake immediately instead of
// after the cache TTL. A no-op success when no cache is configured.
func (s *Server) handleInternalInvalidate(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user ID"})
	}

	if s.invalidator == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "invalidated": false})
	}

	if err := s.invalidator.Invalidate(c.Request().Context(), userID); err != nil {
		logging.WithUser(userID.String()).Error("Failed to invalidate identity cache", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cache invalidation failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "invalidated": true})
}
