// Package hub owns the process-wide connection registry and room membership
// and delivers broadcasts. A single actor goroutine owns both maps; the public
// API posts commands on a channel, so every operation is atomic with respect
// to every other without explicit locking.
package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/metrics"
)

const (
	commandTimeout         = 5 * time.Second
	stopTimeout            = 10 * time.Second
	commandChannelCapacity = 256
)

// RoomCount pairs a room name with its membership size.
type RoomCount struct {
	Room string
	Size int
}

// Departure describes the state removed by an unregister: the connection
// record and, for every room it belonged to, the post-leave size.
type Departure struct {
	Connection domain.Connection
	Rooms      []RoomCount
}

type connState struct {
	record domain.Connection
	writer *clientWriter
	rooms  map[string]struct{}
}

// --- Commands ---

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	record       domain.Connection
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	connectionID uuid.UUID
	replyChannel chan unregisterReply
}

type unregisterReply struct {
	departure Departure
	found     bool
}

type getCmd struct {
	baseHubCmd
	connectionID uuid.UUID
	replyChannel chan getReply
}

type getReply struct {
	record domain.Connection
	found  bool
}

type findByUserCmd struct {
	baseHubCmd
	userID       uuid.UUID
	replyChannel chan []uuid.UUID
}

type joinCmd struct {
	baseHubCmd
	room         string
	connectionID uuid.UUID
	replyChannel chan int
}

type leaveCmd struct {
	baseHubCmd
	room         string
	connectionID uuid.UUID
	replyChannel chan int
}

type sizeCmd struct {
	baseHubCmd
	room         string
	replyChannel chan int
}

type roomsOfCmd struct {
	baseHubCmd
	connectionID uuid.UUID
	replyChannel chan []string
}

type activeRoomsCmd struct {
	baseHubCmd
	replyChannel chan []RoomCount
}

type connectionCountCmd struct {
	baseHubCmd
	replyChannel chan int
}

type broadcastRoomCmd struct {
	baseHubCmd
	room string
	data []byte
}

type sendUserCmd struct {
	baseHubCmd
	userID uuid.UUID
	data   []byte
}

type sendConnCmd struct {
	baseHubCmd
	connectionID uuid.UUID
	data         []byte
}

type stopHubCmd struct {
	baseHubCmd
}

// Hub is the connection registry, room manager, and broadcaster.
type Hub struct {
	cmdCh chan hubCmd
	clock clockwork.Clock
	done  chan struct{}

	// Owned exclusively by the run goroutine.
	connections map[uuid.UUID]*connState
	byUser      map[uuid.UUID]map[uuid.UUID]struct{}
	rooms       map[string]map[uuid.UUID]struct{}
}

func New(clock clockwork.Clock) *Hub {
	h := &Hub{
		cmdCh:       make(chan hubCmd, commandChannelCapacity),
		clock:       clock,
		done:        make(chan struct{}),
		connections: make(map[uuid.UUID]*connState),
		byUser:      make(map[uuid.UUID]map[uuid.UUID]struct{}),
		rooms:       make(map[string]map[uuid.UUID]struct{}),
	}
	go h.run()
	return h
}

// --- Public API ---

// Register inserts a new connection record and starts its writer.
// A duplicate connection ID is a caller bug; it is refused, not overwritten.
func (h *Hub) Register(record domain.Connection, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{record: record, connection: conn, errorChannel: errCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister atomically removes the connection from the registry and from
// every room it belonged to, and stops its writer. The returned Departure
// carries the post-leave size of each affected room so the caller can
// announce viewer_left events. found is false if the connection is unknown.
func (h *Hub) Unregister(connectionID uuid.UUID) (Departure, bool) {
	replyCh := make(chan unregisterReply, 1)
	h.cmdCh <- unregisterCmd{connectionID: connectionID, replyChannel: replyCh}

	reply, ok := awaitReply(h.clock, replyCh, "unregister")
	if !ok {
		return Departure{}, false
	}
	return reply.departure, reply.found
}

// Get looks up a connection record.
func (h *Hub) Get(connectionID uuid.UUID) (domain.Connection, bool) {
	replyCh := make(chan getReply, 1)
	h.cmdCh <- getCmd{connectionID: connectionID, replyChannel: replyCh}

	reply, ok := awaitReply(h.clock, replyCh, "get")
	if !ok {
		return domain.Connection{}, false
	}
	return reply.record, reply.found
}

// FindByUser returns the IDs of every active connection owned by the user.
// A user with no connections yields an empty slice, never an error.
func (h *Hub) FindByUser(userID uuid.UUID) []uuid.UUID {
	replyCh := make(chan []uuid.UUID, 1)
	h.cmdCh <- findByUserCmd{userID: userID, replyChannel: replyCh}

	ids, _ := awaitReply(h.clock, replyCh, "find_by_user")
	return ids
}

// Join adds the connection to the room and returns the resulting size.
// Joining a room twice has no additional effect.
func (h *Hub) Join(room string, connectionID uuid.UUID) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- joinCmd{room: room, connectionID: connectionID, replyChannel: replyCh}

	size, _ := awaitReply(h.clock, replyCh, "join")
	return size
}

// Leave removes the connection from the room and returns the resulting size.
// Leaving a room the connection is not in is a no-op.
func (h *Hub) Leave(room string, connectionID uuid.UUID) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- leaveCmd{room: room, connectionID: connectionID, replyChannel: replyCh}

	size, _ := awaitReply(h.clock, replyCh, "leave")
	return size
}

// Size returns the room's membership cardinality, 0 for an unknown room.
func (h *Hub) Size(room string) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- sizeCmd{room: room, replyChannel: replyCh}

	size, _ := awaitReply(h.clock, replyCh, "size")
	return size
}

// RoomsOf returns every room the connection currently belongs to.
func (h *Hub) RoomsOf(connectionID uuid.UUID) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- roomsOfCmd{connectionID: connectionID, replyChannel: replyCh}

	rooms, _ := awaitReply(h.clock, replyCh, "rooms_of")
	return rooms
}

// ActiveRooms returns a snapshot of every non-empty room and its size.
func (h *Hub) ActiveRooms() []RoomCount {
	replyCh := make(chan []RoomCount, 1)
	h.cmdCh <- activeRoomsCmd{replyChannel: replyCh}

	rooms, _ := awaitReply(h.clock, replyCh, "active_rooms")
	return rooms
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- connectionCountCmd{replyChannel: replyCh}

	count, _ := awaitReply(h.clock, replyCh, "connection_count")
	return count
}

// BroadcastToRoom delivers data to every member of the room's membership
// snapshot at the time the command executes. Best-effort, at-most-once:
// slow or disconnected members are skipped.
func (h *Hub) BroadcastToRoom(room string, data []byte) {
	h.cmdCh <- broadcastRoomCmd{room: room, data: data}
}

// SendToUser delivers data to every connection the user currently owns.
// Silent no-op when the user has none.
func (h *Hub) SendToUser(userID uuid.UUID, data []byte) {
	h.cmdCh <- sendUserCmd{userID: userID, data: data}
}

// SendToConnection delivers data to a single connection.
// Silent no-op when the connection is absent.
func (h *Hub) SendToConnection(connectionID uuid.UUID, data []byte) {
	h.cmdCh <- sendConnCmd{connectionID: connectionID, data: data}
}

// Stop shuts down the hub, closing every client connection.
// Blocks until the run goroutine exits or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopHubCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
		close(h.done)
	}
}

// awaitReply waits for a command reply with a timeout so a wedged hub cannot
// block its callers forever. The zero value is returned on timeout.
func awaitReply[T any](clock clockwork.Clock, replyCh <-chan T, op string) (T, bool) {
	timer := clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-replyCh:
		return v, true
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "operation", op, "timeout", commandTimeout)
		var zero T
		return zero, false
	}
}

// --- Run loop ---

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll("hub panic")
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()
	defer close(h.done)

	for {
		select {
		case <-depthTicker.Chan():
			metrics.HubCommandChannelDepth.Set(float64(len(h.cmdCh)))
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				c.replyChannel <- h.handleUnregister(c.connectionID)
			case getCmd:
				c.replyChannel <- h.handleGet(c.connectionID)
			case findByUserCmd:
				c.replyChannel <- h.handleFindByUser(c.userID)
			case joinCmd:
				c.replyChannel <- h.handleJoin(c.room, c.connectionID)
			case leaveCmd:
				c.replyChannel <- h.handleLeave(c.room, c.connectionID)
			case sizeCmd:
				c.replyChannel <- len(h.rooms[c.room])
			case roomsOfCmd:
				c.replyChannel <- h.handleRoomsOf(c.connectionID)
			case activeRoomsCmd:
				c.replyChannel <- h.handleActiveRooms()
			case connectionCountCmd:
				c.replyChannel <- len(h.connections)
			case broadcastRoomCmd:
				h.handleBroadcastRoom(c.room, c.data)
			case sendUserCmd:
				h.handleSendUser(c.userID, c.data)
			case sendConnCmd:
				h.handleSendConn(c.connectionID, c.data)
			case stopHubCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if _, exists := h.connections[c.record.ID]; exists {
		slog.Error("Rejecting duplicate connection ID", "connection_id", c.record.ID.String())
		c.errorChannel <- fmt.Errorf("connection %s already registered", c.record.ID)
		return
	}

	state := &connState{
		record: c.record,
		writer: newClientWriter(c.connection, h.clock),
		rooms:  make(map[string]struct{}),
	}
	h.connections[c.record.ID] = state

	userID := c.record.Identity.ID
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[uuid.UUID]struct{})
	}
	h.byUser[userID][c.record.ID] = struct{}{}

	metrics.HubActiveConnections.Set(float64(len(h.connections)))
	slog.Info("Connection registered",
		"connection_id", c.record.ID.String(),
		"user_id", userID.String(),
		"username", c.record.Identity.DisplayName,
	)
	c.errorChannel <- nil
}

func (h *Hub) handleUnregister(connectionID uuid.UUID) unregisterReply {
	state, exists := h.connections[connectionID]
	if !exists {
		return unregisterReply{}
	}

	departure := Departure{Connection: state.record}
	for room := range state.rooms {
		size := h.removeFromRoom(room, connectionID)
		departure.Rooms = append(departure.Rooms, RoomCount{Room: room, Size: size})
	}

	h.dropConnection(connectionID, state)
	state.writer.stop()

	slog.Info("Connection unregistered",
		"connection_id", connectionID.String(),
		"user_id", state.record.Identity.ID.String(),
		"rooms_left", len(departure.Rooms),
	)
	return unregisterReply{departure: departure, found: true}
}

func (h *Hub) handleGet(connectionID uuid.UUID) getReply {
	state, exists := h.connections[connectionID]
	if !exists {
		return getReply{}
	}
	return getReply{record: state.record, found: true}
}

func (h *Hub) handleFindByUser(userID uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(h.byUser[userID]))
	for connID := range h.byUser[userID] {
		ids = append(ids, connID)
	}
	return ids
}

func (h *Hub) handleJoin(room string, connectionID uuid.UUID) int {
	state, exists := h.connections[connectionID]
	if !exists {
		slog.Warn("Join for unknown connection", "connection_id", connectionID.String(), "room", room)
		return len(h.rooms[room])
	}

	members := h.rooms[room]
	if members == nil {
		members = make(map[uuid.UUID]struct{})
		h.rooms[room] = members
		metrics.HubActiveRooms.Set(float64(len(h.rooms)))
	}
	members[connectionID] = struct{}{}
	state.rooms[room] = struct{}{}

	return len(members)
}

func (h *Hub) handleLeave(room string, connectionID uuid.UUID) int {
	if state, exists := h.connections[connectionID]; exists {
		delete(state.rooms, room)
	}
	return h.removeFromRoom(room, connectionID)
}

func (h *Hub) handleRoomsOf(connectionID uuid.UUID) []string {
	state, exists := h.connections[connectionID]
	if !exists {
		return nil
	}
	rooms := make([]string, 0, len(state.rooms))
	for room := range state.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (h *Hub) handleActiveRooms() []RoomCount {
	snapshot := make([]RoomCount, 0, len(h.rooms))
	for room, members := range h.rooms {
		snapshot = append(snapshot, RoomCount{Room: room, Size: len(members)})
	}
	return snapshot
}

func (h *Hub) handleBroadcastRoom(room string, data []byte) {
	members, exists := h.rooms[room]
	if !exists {
		return
	}

	var slow []uuid.UUID
	for connID := range members {
		state := h.connections[connID]
		select {
		case state.writer.sendChannel <- data:
			metrics.HubDeliveriesTotal.WithLabelValues("room").Inc()
		default:
			slow = append(slow, connID)
		}
	}

	h.evictSlow(slow)
}

func (h *Hub) handleSendUser(userID uuid.UUID, data []byte) {
	var slow []uuid.UUID
	for connID := range h.byUser[userID] {
		state := h.connections[connID]
		select {
		case state.writer.sendChannel <- data:
			metrics.HubDeliveriesTotal.WithLabelValues("user").Inc()
		default:
			slow = append(slow, connID)
		}
	}

	h.evictSlow(slow)
}

func (h *Hub) handleSendConn(connectionID uuid.UUID, data []byte) {
	state, exists := h.connections[connectionID]
	if !exists {
		return
	}
	select {
	case state.writer.sendChannel <- data:
		metrics.HubDeliveriesTotal.WithLabelValues("connection").Inc()
	default:
		h.evictSlow([]uuid.UUID{connectionID})
	}
}

// evictSlow removes connections whose send buffer is full. The writer is
// stopped and all membership is dropped; the periodic reconciler re-announces
// authoritative counts for any room that changed.
func (h *Hub) evictSlow(slow []uuid.UUID) {
	for _, connID := range slow {
		state, exists := h.connections[connID]
		if !exists {
			continue
		}
		slog.Warn("Disconnecting slow client", "connection_id", connID.String())
		metrics.HubSlowClientsEvicted.Inc()

		for room := range state.rooms {
			h.removeFromRoom(room, connID)
		}
		h.dropConnection(connID, state)
		state.writer.stop()
	}
}

// removeFromRoom deletes the membership entry and garbage-collects the room
// if it became empty. Returns the post-removal size.
func (h *Hub) removeFromRoom(room string, connectionID uuid.UUID) int {
	members, exists := h.rooms[room]
	if !exists {
		return 0
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.rooms, room)
		metrics.HubActiveRooms.Set(float64(len(h.rooms)))
		return 0
	}
	return len(members)
}

// dropConnection removes the registry and user-index entries.
func (h *Hub) dropConnection(connectionID uuid.UUID, state *connState) {
	delete(h.connections, connectionID)

	userID := state.record.Identity.ID
	if owned := h.byUser[userID]; owned != nil {
		delete(owned, connectionID)
		if len(owned) == 0 {
			delete(h.byUser, userID)
		}
	}

	metrics.HubActiveConnections.Set(float64(len(h.connections)))
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.connections), "rooms", len(h.rooms))
	h.closeAll("Server shutting down")
}

// closeAll closes every client connection with the given reason.
// Used during graceful shutdown and panic recovery.
func (h *Hub) closeAll(reason string) {
	for connID, state := range h.connections {
		state.writer.stopGraceful(reason)
		delete(h.connections, connID)
	}
	for room := range h.rooms {
		delete(h.rooms, room)
	}
	for userID := range h.byUser {
		delete(h.byUser, userID)
	}
	metrics.HubActiveConnections.Set(0)
	metrics.HubActiveRooms.Set(0)
}
