package events

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/metrics"
)

// Broadcasting is the slice of the hub the dispatcher relays through.
type Broadcasting interface {
	Join(room string, connectionID uuid.UUID) int
	Leave(room string, connectionID uuid.UUID) int
	BroadcastToRoom(room string, data []byte)
	SendToUser(userID uuid.UUID, data []byte)
	SendToConnection(connectionID uuid.UUID, data []byte)
}

// RoomDeparture names a room a disconnecting connection left and the
// membership size after its removal.
type RoomDeparture struct {
	Room string
	Size int
}

// Result reports the outcome of handling one inbound event. Handler failures
// are values, not panics: a failed event yields an error event to the
// originating connection only and never disturbs other connections.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result { return Result{OK: true} }

func failed(reason string) Result { return Result{Reason: reason} }

// Dispatcher validates inbound client events and relays them through the hub.
// Stateless: authorization happened at connection time (and, for domain
// submissions, in the API layer before they reach a socket).
type Dispatcher struct {
	hub   Broadcasting
	clock clockwork.Clock
}

func NewDispatcher(hub Broadcasting, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{hub: hub, clock: clock}
}

// Dispatch handles one raw frame from the origin connection. Any failure,
// including a handler panic, is contained here.
func (d *Dispatcher) Dispatch(origin uuid.UUID, identity domain.Identity, raw []byte) (result Result) {
	eventType := "unknown"
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panic recovered", "event_type", eventType, "panic", r)
			result = d.fail(origin, eventType, fmt.Sprintf("internal error handling %s", eventType))
		}
	}()

	event, err := Decode(raw)
	if err != nil {
		slog.Warn("Rejecting malformed client event", "connection_id", origin.String(), "error", err)
		return d.fail(origin, eventType, err.Error())
	}

	switch e := event.(type) {
	case JoinRoom:
		eventType = TypeJoinRoom
		result = d.handleJoin(origin, identity, e)
	case LeaveRoom:
		eventType = TypeLeaveRoom
		result = d.handleLeave(origin, identity, e)
	case RatingSubmitted:
		eventType = TypeRatingSubmitted
		result = d.relayToRoom(origin, eventType, e.ChallengeID, TypeRatingsUpdate, RatingsUpdate{
			ChallengeID: e.ChallengeID,
			Ratings:     e.AggregatedRatings,
			Timestamp:   d.clock.Now(),
		})
	case CommentPosted:
		eventType = TypeCommentPosted
		result = d.relayToRoom(origin, eventType, e.ChallengeID, TypeCommentAdded, CommentAdded{
			ChallengeID: e.ChallengeID,
			Comment:     e.Comment,
			Timestamp:   d.clock.Now(),
		})
	case DisplayAd:
		eventType = TypeDisplayAd
		result = d.relayToRoom(origin, eventType, e.ChallengeID, TypeAdDisplay, AdDisplay{
			ChallengeID: e.ChallengeID,
			Ad:          e.Advertisement,
			Timestamp:   d.clock.Now(),
		})
	case AdRejected:
		eventType = TypeAdRejected
		result = d.relayToRoom(origin, eventType, e.ChallengeID, TypeAdRejectedOut, AdRejection{
			ChallengeID: e.ChallengeID,
			AdID:        e.AdID,
			RejectedBy:  e.RejectedBy,
			Reason:      e.Reason,
			Timestamp:   d.clock.Now(),
		})
	case ChallengeStatusChanged:
		eventType = TypeChallengeStatusChanged
		result = d.relayToRoom(origin, eventType, e.ChallengeID, TypeStatusChangedOut, StatusChange{
			ChallengeID: e.ChallengeID,
			Status:      e.Status,
			Message:     e.Message,
			Timestamp:   d.clock.Now(),
		})
	case SendNotification:
		eventType = TypeSendNotification
		result = d.handleNotification(origin, e)
	default:
		result = d.fail(origin, eventType, fmt.Sprintf("unhandled event type %T", event))
	}

	if result.OK {
		metrics.EventsDispatchedTotal.WithLabelValues(eventType, "ok").Inc()
	} else {
		metrics.EventsDispatchedTotal.WithLabelValues(eventType, "failed").Inc()
	}
	return result
}

// handleJoin adds the connection to the challenge room, announces the new
// count to the room, and sends the initial snapshot to the joiner.
func (d *Dispatcher) handleJoin(origin uuid.UUID, identity domain.Identity, e JoinRoom) Result {
	if e.ChallengeID == "" {
		return d.fail(origin, TypeJoinRoom, "challengeId is required")
	}

	room := RoomName(e.ChallengeID)
	size := d.hub.Join(room, origin)

	d.announce(room, TypeViewerJoined, ViewerChange{
		ViewerCount: size,
		User:        UserRef{ID: identity.ID, Username: identity.DisplayName},
	})

	snapshot, err := Encode(TypeChallengeData, ChallengeData{ChallengeID: e.ChallengeID, ViewerCount: size})
	if err != nil {
		return d.fail(origin, TypeJoinRoom, "failed to encode challenge data")
	}
	d.hub.SendToConnection(origin, snapshot)

	slog.Info("Viewer joined challenge",
		"connection_id", origin.String(),
		"username", identity.DisplayName,
		"challenge_id", e.ChallengeID,
		"viewer_count", size,
	)
	return ok()
}

// handleLeave removes the connection from the challenge room and announces
// the new count to the remaining viewers.
func (d *Dispatcher) handleLeave(origin uuid.UUID, identity domain.Identity, e LeaveRoom) Result {
	if e.ChallengeID == "" {
		return d.fail(origin, TypeLeaveRoom, "challengeId is required")
	}

	room := RoomName(e.ChallengeID)
	size := d.hub.Leave(room, origin)

	d.announce(room, TypeViewerLeft, ViewerChange{
		ViewerCount: size,
		User:        UserRef{ID: identity.ID, Username: identity.DisplayName},
	})

	slog.Info("Viewer left challenge",
		"connection_id", origin.String(),
		"username", identity.DisplayName,
		"challenge_id", e.ChallengeID,
		"viewer_count", size,
	)
	return ok()
}

func (d *Dispatcher) handleNotification(origin uuid.UUID, e SendNotification) Result {
	if e.UserID == uuid.Nil {
		return d.fail(origin, TypeSendNotification, "userId is required")
	}

	data, err := Encode(TypeNotificationReceived, e.Notification)
	if err != nil {
		return d.fail(origin, TypeSendNotification, "failed to encode notification")
	}
	d.hub.SendToUser(e.UserID, data)
	return ok()
}

// Disconnected announces viewer_left, with the post-leave count, to every
// room the departed connection belonged to. Called after the registry has
// already removed the connection, so the announcements reach only the
// remaining viewers.
func (d *Dispatcher) Disconnected(identity domain.Identity, rooms []RoomDeparture) {
	for _, rc := range rooms {
		d.announce(rc.Room, TypeViewerLeft, ViewerChange{
			ViewerCount: rc.Size,
			User:        UserRef{ID: identity.ID, Username: identity.DisplayName},
		})
	}
}

// relayToRoom validates the challenge identifier and broadcasts the outbound
// form of a domain submission to the challenge room.
func (d *Dispatcher) relayToRoom(origin uuid.UUID, inType, challengeID, outType string, payload any) Result {
	if challengeID == "" {
		return d.fail(origin, inType, "challengeId is required")
	}

	data, err := Encode(outType, payload)
	if err != nil {
		return d.fail(origin, inType, fmt.Sprintf("failed to encode %s", outType))
	}
	d.hub.BroadcastToRoom(RoomName(challengeID), data)
	return ok()
}

// announce broadcasts a room-scoped announcement, logging (not propagating)
// encode failures.
func (d *Dispatcher) announce(room, eventType string, payload any) {
	data, err := Encode(eventType, payload)
	if err != nil {
		slog.Error("Failed to encode announcement", "event_type", eventType, "room", room, "error", err)
		return
	}
	d.hub.BroadcastToRoom(room, data)
}

// fail sends an error event back to the originating connection only.
func (d *Dispatcher) fail(origin uuid.UUID, eventType, reason string) Result {
	data, err := Encode(TypeError, ErrorEvent{Message: reason})
	if err == nil {
		d.hub.SendToConnection(origin, data)
	}
	slog.Warn("Event handling failed", "event_type", eventType, "connection_id", origin.String(), "reason", reason)
	return failed(reason)
}
