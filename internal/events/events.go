// Package events defines the wire protocol between the realtime core and its
// clients: a tagged union of inbound client events and the outbound envelope
// format, plus the dispatcher that relays them through the hub.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound event type names.
const (
	TypeJoinRoom               = "join_room"
	TypeLeaveRoom              = "leave_room"
	TypeRatingSubmitted        = "rating_submitted"
	TypeCommentPosted          = "comment_posted"
	TypeDisplayAd              = "display_ad"
	TypeAdRejected             = "ad_rejected"
	TypeChallengeStatusChanged = "challenge_status_changed"
	TypeSendNotification       = "send_notification"
)

// Outbound event type names.
const (
	TypeChallengeData        = "challenge_data"
	TypeViewerJoined         = "viewer_joined"
	TypeViewerLeft           = "viewer_left"
	TypeViewerCountUpdate    = "viewer_count_update"
	TypeRatingsUpdate        = "ratings_update"
	TypeCommentAdded         = "comment_added"
	TypeAdDisplay            = "ad_display"
	TypeAdRejectedOut        = "ad_rejected"
	TypeStatusChangedOut     = "challenge_status_changed"
	TypeNotificationReceived = "notification_received"
	TypeError                = "error"
)

// RoomPrefix keys one room per live challenge.
const RoomPrefix = "challenge:"

// RoomName derives the broadcast room key for a challenge.
func RoomName(challengeID string) string {
	return RoomPrefix + challengeID
}

// ClientEvent is the tagged union of events a connected client may submit.
type ClientEvent interface{ clientEvent() }

type JoinRoom struct {
	ChallengeID string `json:"challengeId"`
}

type LeaveRoom struct {
	ChallengeID string `json:"challengeId"`
}

type RatingSubmitted struct {
	ChallengeID       string          `json:"challengeId"`
	AggregatedRatings json.RawMessage `json:"aggregatedRatings"`
}

type CommentPosted struct {
	ChallengeID string          `json:"challengeId"`
	Comment     json.RawMessage `json:"comment"`
}

type DisplayAd struct {
	ChallengeID   string          `json:"challengeId"`
	Advertisement json.RawMessage `json:"advertisement"`
}

type AdRejected struct {
	ChallengeID string `json:"challengeId"`
	AdID        string `json:"adId"`
	RejectedBy  string `json:"rejectedBy"`
	Reason      string `json:"reason"`
}

type ChallengeStatusChanged struct {
	ChallengeID string `json:"challengeId"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type SendNotification struct {
	UserID       uuid.UUID       `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

func (JoinRoom) clientEvent()               {}
func (LeaveRoom) clientEvent()              {}
func (RatingSubmitted) clientEvent()        {}
func (CommentPosted) clientEvent()          {}
func (DisplayAd) clientEvent()              {}
func (AdRejected) clientEvent()             {}
func (ChallengeStatusChanged) clientEvent() {}
func (SendNotification) clientEvent()       {}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw client frame into its typed variant.
// Unknown types and malformed payloads are errors; the dispatcher turns them
// into an error event for the originating connection only.
func Decode(raw []byte) (ClientEvent, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}

	var (
		event ClientEvent
		err   error
	)
	switch f.Type {
	case TypeJoinRoom:
		event, err = decodeAs[JoinRoom](f.Data)
	case TypeLeaveRoom:
		event, err = decodeAs[LeaveRoom](f.Data)
	case TypeRatingSubmitted:
		event, err = decodeAs[RatingSubmitted](f.Data)
	case TypeCommentPosted:
		event, err = decodeAs[CommentPosted](f.Data)
	case TypeDisplayAd:
		event, err = decodeAs[DisplayAd](f.Data)
	case TypeAdRejected:
		event, err = decodeAs[AdRejected](f.Data)
	case TypeChallengeStatusChanged:
		event, err = decodeAs[ChallengeStatusChanged](f.Data)
	case TypeSendNotification:
		event, err = decodeAs[SendNotification](f.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", f.Type, err)
	}
	return event, nil
}

func decodeAs[T ClientEvent](data json.RawMessage) (T, error) {
	var payload T
	if len(data) == 0 {
		return payload, fmt.Errorf("missing data")
	}
	err := json.Unmarshal(data, &payload)
	return payload, err
}

// Envelope is the outbound wire format.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode marshals an outbound event once, so a broadcast serializes a single
// time regardless of room size.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return raw, nil
}

// Outbound payload shapes.

// UserRef identifies a viewer in join/leave announcements.
type UserRef struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

type ChallengeData struct {
	ChallengeID string `json:"challengeId"`
	ViewerCount int    `json:"viewerCount"`
}

type ViewerChange struct {
	ViewerCount int     `json:"viewerCount"`
	User        UserRef `json:"user"`
}

type ViewerCountUpdate struct {
	ChallengeID string    `json:"challengeId"`
	ViewerCount int       `json:"viewerCount"`
	Timestamp   time.Time `json:"timestamp"`
}

type RatingsUpdate struct {
	ChallengeID string          `json:"challengeId"`
	Ratings     json.RawMessage `json:"ratings"`
	Timestamp   time.Time       `json:"timestamp"`
}

type CommentAdded struct {
	ChallengeID string          `json:"challengeId"`
	Comment     json.RawMessage `json:"comment"`
	Timestamp   time.Time       `json:"timestamp"`
}

type AdDisplay struct {
	ChallengeID string          `json:"challengeId"`
	Ad          json.RawMessage `json:"ad"`
	Timestamp   time.Time       `json:"timestamp"`
}

type AdRejection struct {
	ChallengeID string    `json:"challengeId"`
	AdID        string    `json:"adId"`
	RejectedBy  string    `json:"rejectedBy"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

type StatusChange struct {
	ChallengeID string    `json:"challengeId"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
