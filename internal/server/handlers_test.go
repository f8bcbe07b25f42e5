package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdstage/realtime/internal/auth"
	"github.com/crowdstage/realtime/internal/config"
	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/events"
	"github.com/crowdstage/realtime/internal/hub"
)

const (
	testJWTSecret   = "test-secret-key-at-least-32-bytes!"
	testInternalKey = "test-internal-key"
)

type fakeResolver struct {
	identities map[uuid.UUID]domain.Identity
}

func (f *fakeResolver) Resolve(_ context.Context, userID uuid.UUID) (domain.Identity, error) {
	identity, exists := f.identities[userID]
	if !exists {
		return domain.Identity{}, domain.ErrIdentityNotFound
	}
	return identity, nil
}

type fakeInvalidator struct {
	invalidated []uuid.UUID
	err         error
}

func (f *fakeInvalidator) Invalidate(_ context.Context, userID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type testEnv struct {
	hub         *hub.Hub
	invalidator *fakeInvalidator
	httpURL     string
	wsURL       string
}

// newTestEnv wires a full server against a fake identity store and serves it
// over a test listener.
func newTestEnv(t *testing.T, identities ...domain.Identity) *testEnv {
	t.Helper()

	resolver := &fakeResolver{identities: make(map[uuid.UUID]domain.Identity)}
	for _, identity := range identities {
		resolver.identities[identity.ID] = identity
	}

	cfg := &config.Config{
		Port:                "0",
		JWTSecret:           testJWTSecret,
		InternalAPIKey:      testInternalKey,
		ReconcileInterval:   5 * time.Second,
		MaxConnections:      100,
		MaxConnectionsPerIP: 100,
		ConnectionRate:      1000,
		ConnectionBurst:     1000,
	}

	clock := clockwork.NewRealClock()
	h := hub.New(clock)
	t.Cleanup(func() { h.Stop() })

	invalidator := &fakeInvalidator{}
	srv := NewServer(cfg, h, auth.New(testJWTSecret, resolver), events.NewDispatcher(h, clock), clock, nil, nil, invalidator)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(func() { ts.Close() })

	return &testEnv{
		hub:         h,
		invalidator: invalidator,
		httpURL:     ts.URL,
		wsURL:       "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func token(t *testing.T, userID uuid.UUID, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (env *testEnv) connect(t *testing.T, userID uuid.UUID) *ws.Conn {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(env.wsURL+"/ws?token="+token(t, userID, time.Hour), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *ws.Conn, eventType string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": eventType, "data": data}))
}

func readEvent(t *testing.T, conn *ws.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	return envelope.Type, payload
}

func assertSilent(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

// waitForConnections polls until the hub sees the expected connection count.
func waitForConnections(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ConnectionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d connections (have %d)", want, h.ConnectionCount())
}

func TestWebSocket_JoinAnnouncesViewerCounts(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	bob := domain.Identity{ID: uuid.New(), DisplayName: "bob"}
	env := newTestEnv(t, alice, bob)

	aliceConn := env.connect(t, alice.ID)
	send(t, aliceConn, "join_room", map[string]string{"challengeId": "42"})

	eventType, payload := readEvent(t, aliceConn)
	assert.Equal(t, "viewer_joined", eventType)
	assert.Equal(t, float64(1), payload["viewerCount"])
	user := payload["user"].(map[string]any)
	assert.Equal(t, alice.ID.String(), user["id"])
	assert.Equal(t, "alice", user["username"])

	eventType, payload = readEvent(t, aliceConn)
	assert.Equal(t, "challenge_data", eventType)
	assert.Equal(t, "42", payload["challengeId"])
	assert.Equal(t, float64(1), payload["viewerCount"])

	bobConn := env.connect(t, bob.ID)
	send(t, bobConn, "join_room", map[string]string{"challengeId": "42"})

	eventType, payload = readEvent(t, bobConn)
	assert.Equal(t, "viewer_joined", eventType)
	assert.Equal(t, float64(2), payload["viewerCount"])

	eventType, payload = readEvent(t, aliceConn)
	assert.Equal(t, "viewer_joined", eventType)
	assert.Equal(t, float64(2), payload["viewerCount"])

	eventType, _ = readEvent(t, bobConn)
	assert.Equal(t, "challenge_data", eventType)
}

func TestWebSocket_DisconnectAnnouncesViewerLeft(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	bob := domain.Identity{ID: uuid.New(), DisplayName: "bob"}
	env := newTestEnv(t, alice, bob)

	aliceConn := env.connect(t, alice.ID)
	send(t, aliceConn, "join_room", map[string]string{"challengeId": "42"})
	readEvent(t, aliceConn) // viewer_joined
	readEvent(t, aliceConn) // challenge_data

	bobConn := env.connect(t, bob.ID)
	send(t, bobConn, "join_room", map[string]string{"challengeId": "42"})
	readEvent(t, bobConn) // viewer_joined
	readEvent(t, bobConn) // challenge_data
	readEvent(t, aliceConn)

	require.NoError(t, aliceConn.Close())
	waitForConnections(t, env.hub, 1)

	eventType, payload := readEvent(t, bobConn)
	assert.Equal(t, "viewer_left", eventType)
	assert.Equal(t, float64(1), payload["viewerCount"])
	user := payload["user"].(map[string]any)
	assert.Equal(t, alice.ID.String(), user["id"])

	assert.Equal(t, 1, env.hub.Size("challenge:42"))
}

func TestWebSocket_RatingRelaysToRoomMembers(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	bob := domain.Identity{ID: uuid.New(), DisplayName: "bob"}
	env := newTestEnv(t, alice, bob)

	aliceConn := env.connect(t, alice.ID)
	send(t, aliceConn, "join_room", map[string]string{"challengeId": "42"})
	readEvent(t, aliceConn)
	readEvent(t, aliceConn)

	// Bob is connected but never joins the room.
	bobConn := env.connect(t, bob.ID)

	send(t, aliceConn, "rating_submitted", map[string]any{
		"challengeId":       "42",
		"aggregatedRatings": map[string]any{"avg": 4.5},
	})

	eventType, payload := readEvent(t, aliceConn)
	assert.Equal(t, "ratings_update", eventType)
	assert.Equal(t, "42", payload["challengeId"])
	assertSilent(t, bobConn)
}

func TestWebSocket_InvalidEventErrorsOriginOnly(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	env := newTestEnv(t, alice)

	conn := env.connect(t, alice.ID)
	send(t, conn, "join_room", map[string]string{})

	eventType, payload := readEvent(t, conn)
	assert.Equal(t, "error", eventType)
	assert.Equal(t, "challengeId is required", payload["message"])

	// The connection survives the bad event.
	send(t, conn, "join_room", map[string]string{"challengeId": "42"})
	eventType, _ = readEvent(t, conn)
	assert.Equal(t, "viewer_joined", eventType)
}

func TestWebSocket_MissingTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := ws.DefaultDialer.Dial(env.wsURL+"/ws", nil)

	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.hub.ConnectionCount())
}

func TestWebSocket_ExpiredTokenRejectedBeforeRegistry(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	env := newTestEnv(t, alice)

	_, resp, err := ws.DefaultDialer.Dial(env.wsURL+"/ws?token="+token(t, alice.ID, -time.Hour), nil)

	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.hub.ConnectionCount())
}

func TestWebSocket_UnknownUserRejected(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := ws.DefaultDialer.Dial(env.wsURL+"/ws?token="+token(t, uuid.New(), time.Hour), nil)

	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_SuspendedUserRejected(t *testing.T) {
	mallory := domain.Identity{ID: uuid.New(), DisplayName: "mallory", Suspended: true}
	env := newTestEnv(t, mallory)

	_, resp, err := ws.DefaultDialer.Dial(env.wsURL+"/ws?token="+token(t, mallory.ID, time.Hour), nil)

	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.hub.ConnectionCount())
}

func TestWebSocket_AuthorizationHeaderAccepted(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	env := newTestEnv(t, alice)

	header := http.Header{"Authorization": []string{"Bearer " + token(t, alice.ID, time.Hour)}}
	conn, _, err := ws.DefaultDialer.Dial(env.wsURL+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	waitForConnections(t, env.hub, 1)
}

func internalPost(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Internal-Api-Key", key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestInternalBroadcast_DeliversToRoom(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	env := newTestEnv(t, alice)

	conn := env.connect(t, alice.ID)
	send(t, conn, "join_room", map[string]string{"challengeId": "42"})
	readEvent(t, conn)
	readEvent(t, conn)

	resp := internalPost(t, env.httpURL+"/internal/broadcast/challenge:42", testInternalKey, map[string]any{
		"event":   "challenge_status_changed",
		"payload": map[string]string{"challengeId": "42", "status": "closed"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["viewers"])

	eventType, payload := readEvent(t, conn)
	assert.Equal(t, "challenge_status_changed", eventType)
	assert.Equal(t, "closed", payload["status"])
}

func TestInternalBroadcast_EmptyRoomSucceeds(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/broadcast/challenge:999", testInternalKey, map[string]any{
		"event":   "ratings_update",
		"payload": map[string]string{"challengeId": "999"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["viewers"])
}

func TestInternalBroadcast_RequiresEvent(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/broadcast/challenge:42", testInternalKey, map[string]any{
		"payload": map[string]string{},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInternalAPI_RejectsBadKey(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/broadcast/challenge:42", "wrong-key", map[string]any{
		"event": "ratings_update",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = internalPost(t, env.httpURL+"/internal/notify/"+uuid.NewString(), "", map[string]string{"title": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInternalNotify_ReachesEveryConnectionOnce(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	bob := domain.Identity{ID: uuid.New(), DisplayName: "bob"}
	env := newTestEnv(t, alice, bob)

	first := env.connect(t, alice.ID)
	second := env.connect(t, alice.ID)
	other := env.connect(t, bob.ID)
	waitForConnections(t, env.hub, 3)

	resp := internalPost(t, env.httpURL+"/internal/notify/"+alice.ID.String(), testInternalKey, map[string]string{
		"title": "new follower",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["connections"])

	for _, conn := range []*ws.Conn{first, second} {
		eventType, payload := readEvent(t, conn)
		assert.Equal(t, "notification_received", eventType)
		assert.Equal(t, "new follower", payload["title"])
	}

	assertSilent(t, other)
	assertSilent(t, first)
	assertSilent(t, second)
}

func TestInternalNotify_OfflineUserSucceeds(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/notify/"+uuid.NewString(), testInternalKey, map[string]string{
		"title": "hi",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["connections"])
}

func TestInternalInvalidate_DropsCachedIdentity(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()

	resp := internalPost(t, env.httpURL+"/internal/identities/"+userID.String()+"/invalidate", testInternalKey, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["invalidated"])
	assert.Equal(t, []uuid.UUID{userID}, env.invalidator.invalidated)
}

func TestInternalInvalidate_InvalidUserID(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/identities/not-a-uuid/invalidate", testInternalKey, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.invalidator.invalidated)
}

func TestInternalNotify_InvalidUserID(t *testing.T) {
	env := newTestEnv(t)

	resp := internalPost(t, env.httpURL+"/internal/notify/not-a-uuid", testInternalKey, map[string]string{
		"title": "hi",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	alice := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	env := newTestEnv(t, alice)
	env.connect(t, alice.ID)
	waitForConnections(t, env.hub, 1)

	resp, err := http.Get(env.httpURL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["connections"])

	resp, err = http.Get(env.httpURL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
