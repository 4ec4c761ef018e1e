package realtime

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultOutboundBuffer = 64

var (
	ErrUnknownConnection   = errors.New("realtime: unknown connection")
	ErrDuplicateConnection = errors.New("realtime: connection already registered")
	ErrInvalidRoom         = errors.New("realtime: room identifier is required")
	ErrInvalidConnection   = errors.New("realtime: connection identifier is required")
)

// ConnectionState tracks a connection through Connecting -> Joined -> Disconnected.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateJoined       ConnectionState = "joined"
	StateDisconnected ConnectionState = "disconnected"
)

// RouterConfig tunes the room router.
type RouterConfig struct {
	// BufferSize bounds each connection's outbound queue. Deliveries to a full
	// queue are dropped.
	BufferSize int
	Logger     *zap.Logger
}

// RoomRouter owns room membership and outbound queues for live connections.
type RoomRouter struct {
	mu          sync.Mutex
	connections map[string]*routedConnection
	rooms       map[string]map[string]*routedConnection
	bufferSize  int
	logger      *zap.Logger
}

type routedConnection struct {
	id       string
	state    ConnectionState
	rooms    map[string]struct{}
	outbound chan ChatMessage
}

func NewRoomRouter(cfg RouterConfig) *RoomRouter {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultOutboundBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomRouter{
		connections: make(map[string]*routedConnection),
		rooms:       make(map[string]map[string]*routedConnection),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Connect registers a new connection and returns the queue its writer drains.
// The queue is closed on Disconnect.
func (r *RoomRouter) Connect(connectionID string) (<-chan ChatMessage, error) {
	if strings.TrimSpace(connectionID) == "" {
		return nil, ErrInvalidConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[connectionID]; exists {
		return nil, ErrDuplicateConnection
	}
	connection := &routedConnection{
		id:       connectionID,
		state:    StateConnecting,
		rooms:    make(map[string]struct{}),
		outbound: make(chan ChatMessage, r.bufferSize),
	}
	r.connections[connectionID] = connection
	return connection.outbound, nil
}

// Join adds the connection to roomID. Joining a room twice has no effect.
func (r *RoomRouter) Join(connectionID, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*routedConnection)
		r.rooms[roomID] = members
	}
	members[connectionID] = connection
	connection.rooms[roomID] = struct{}{}
	connection.state = StateJoined
	return nil
}

// Broadcast delivers message to every connection currently joined to roomID
// and returns how many queues accepted it. Fan-out holds the router lock, so
// members observe broadcasts in invocation order.
func (r *RoomRouter) Broadcast(roomID string, message ChatMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for _, connection := range r.rooms[roomID] {
		if r.enqueue(connection, message) {
			delivered++
		}
	}
	return delivered
}

// Unicast delivers message to a single live connection. It returns false when
// the connection is gone or its queue is full; nothing is retried.
func (r *RoomRouter) Unicast(connectionID string, message ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	return r.enqueue(connection, message)
}

// Disconnect drops the connection from every room and closes its queue.
func (r *RoomRouter) Disconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	if !ok {
		return
	}
	for roomID := range connection.rooms {
		members := r.rooms[roomID]
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	connection.state = StateDisconnected
	connection.rooms = nil
	delete(r.connections, connectionID)
	close(connection.outbound)
}

// State reports the lifecycle state; unknown connections read as disconnected.
func (r *RoomRouter) State(connectionID string) ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	if !ok {
		return StateDisconnected
	}
	return connection.state
}

// Rooms lists the rooms a connection has joined, sorted.
func (r *RoomRouter) Rooms(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	if !ok || len(connection.rooms) == 0 {
		return nil
	}
	rooms := make([]string, 0, len(connection.rooms))
	for roomID := range connection.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *RoomRouter) RoomSize(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// enqueue must be called with r.mu held.
func (r *RoomRouter) enqueue(connection *routedConnection, message ChatMessage) bool {
	select {
	case connection.outbound <- message:
		return true
	default:
		r.logger.Warn("outbound queue full, dropping message",
			zap.String("connection_id", connection.id),
			zap.String("message_id", message.ID),
			zap.String("message_type", string(message.Type)))
		return false
	}
}
