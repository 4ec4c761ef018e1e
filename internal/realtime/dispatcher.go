package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrMalformedEvent marks inbound events that are dropped without a reply.
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrNotRoomMember marks joins rejected by the room authorizer.
	ErrNotRoomMember = errors.New("realtime: user is not a member of the room")
	// ErrCloseRequested is returned for an explicit client disconnect event.
	ErrCloseRequested = errors.New("realtime: client requested disconnect")
)

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, roomID, userID string) (bool, error)
}

// DispatcherConfig wires the event dispatcher. Registry, Router and
// IDProvider are required; the coordinator is built from them when absent.
type DispatcherConfig struct {
	Registry    *SessionRegistry
	Router      *RoomRouter
	Coordinator *BillSplitCoordinator
	IDProvider  IDProvider
	Authorizer  RoomAuthorizer
	Relay       Relay
	Logger      *zap.Logger
}

// Dispatcher applies client events to the session registry, room router and
// bill-split coordinator. Each connection's events must be handled in order;
// different connections may be handled concurrently.
type Dispatcher struct {
	registry    *SessionRegistry
	router      *RoomRouter
	coordinator *BillSplitCoordinator
	idProvider  IDProvider
	authorizer  RoomAuthorizer
	relay       Relay
	logger      *zap.Logger

	mu       sync.RWMutex
	subjects map[string]string
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := cfg.Coordinator
	if coordinator == nil {
		built, err := NewBillSplitCoordinator(CoordinatorConfig{
			Registry:   cfg.Registry,
			Router:     cfg.Router,
			IDProvider: cfg.IDProvider,
			Relay:      cfg.Relay,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		coordinator = built
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		router:      cfg.Router,
		coordinator: coordinator,
		idProvider:  cfg.IDProvider,
		authorizer:  cfg.Authorizer,
		relay:       cfg.Relay,
		logger:      logger,
		subjects:    make(map[string]string),
	}, nil
}

// Connect opens a connection on behalf of an authenticated subject. An empty
// subject leaves identity entirely to the joinRoom payload.
func (d *Dispatcher) Connect(connectionID, subject string) (<-chan ChatMessage, error) {
	outbound, err := d.router.Connect(connectionID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.subjects[connectionID] = strings.TrimSpace(subject)
	d.mu.Unlock()
	d.logger.Debug("realtime connection opened",
		zap.String("connection_id", connectionID),
		zap.String("subject", subject))
	return outbound, nil
}

// HandleRaw decodes a transport frame and handles it.
func (d *Dispatcher) HandleRaw(ctx context.Context, connectionID string, raw []byte) error {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	return d.Handle(ctx, connectionID, envelope)
}

// Handle applies one client event. Returned errors are for logging only; the
// protocol has no error reply.
func (d *Dispatcher) Handle(ctx context.Context, connectionID string, envelope InboundEnvelope) error {
	switch envelope.Event {
	case EventJoinRoom:
		var payload JoinRoomPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return err
		}
		return d.joinRoom(ctx, connectionID, payload)
	case EventSendMessage:
		var payload SendMessagePayload
		if err := decodePayload(envelope, &payload); err != nil {
			return err
		}
		return d.sendMessage(ctx, payload)
	case EventSendAssignments:
		var payload SendAssignmentsPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return err
		}
		if err := payload.validate(); err != nil {
			return err
		}
		d.coordinator.Distribute(ctx, payload.GroupID.String(), payload.Assignments, strings.TrimSpace(payload.Username))
		return nil
	case EventDisconnect:
		return ErrCloseRequested
	default:
		return fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, envelope.Event)
	}
}

// Disconnect releases the registry entry owned by the connection and removes
// it from every room.
func (d *Dispatcher) Disconnect(connectionID string) {
	userID, removed := d.registry.UnregisterByConnection(connectionID)
	d.router.Disconnect(connectionID)
	d.mu.Lock()
	delete(d.subjects, connectionID)
	d.mu.Unlock()
	fields := []zap.Field{zap.String("connection_id", connectionID)}
	if removed {
		fields = append(fields, zap.String("user_id", userID))
	}
	d.logger.Debug("realtime connection closed", fields...)
}

// DeliverBroadcast delivers a relayed room message to local members only.
func (d *Dispatcher) DeliverBroadcast(roomID string, message ChatMessage) int {
	return d.router.Broadcast(roomID, message)
}

// DeliverToUser delivers a relayed private message if the user is connected here.
func (d *Dispatcher) DeliverToUser(userID string, message ChatMessage) bool {
	connectionID, ok := d.registry.Lookup(userID)
	if !ok {
		return false
	}
	return d.router.Unicast(connectionID, message)
}

func (d *Dispatcher) joinRoom(ctx context.Context, connectionID string, payload JoinRoomPayload) error {
	if err := payload.validate(); err != nil {
		return err
	}
	subject := d.subject(connectionID)
	userID := payload.UserID.String()
	switch {
	case userID == "" && subject == "":
		return fmt.Errorf("%w: joinRoom requires userId", ErrMalformedEvent)
	case userID == "":
		userID = subject
	case subject != "" && userID != subject:
		return fmt.Errorf("%w: joinRoom userId %q does not match authenticated user", ErrMalformedEvent, userID)
	}

	roomID := payload.GroupID.String()
	if d.authorizer != nil {
		allowed, err := d.authorizer.CanJoin(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrNotRoomMember
		}
	}

	if err := d.router.Join(connectionID, roomID); err != nil {
		return err
	}
	d.registry.Register(userID, connectionID)
	d.logger.Debug("connection joined room",
		zap.String("connection_id", connectionID),
		zap.String("room_id", roomID),
		zap.String("user_id", userID))
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, payload SendMessagePayload) error {
	if err := payload.validate(); err != nil {
		return err
	}
	id, err := d.idProvider.NewID()
	if err != nil {
		return err
	}
	roomID := payload.GroupID.String()
	message := NewTextMessage(id, strings.TrimSpace(payload.Username), payload.Message)
	d.router.Broadcast(roomID, message)
	if d.relay != nil && d.relay.Available() {
		if err := d.relay.PublishBroadcast(ctx, roomID, message); err != nil {
			d.logger.Warn("failed to relay room message",
				zap.String("room_id", roomID),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) subject(connectionID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subjects[connectionID]
}
