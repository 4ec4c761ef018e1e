package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	kindBroadcast = "broadcast"
	kindUnicast   = "unicast"

	channelSuffix = "realtime"
)

var (
	errRelayInactive  = errors.New("relay: not started")
	errMissingAddress = errors.New("relay: redis address is required")
	errMissingTarget  = errors.New("relay: local delivery target is required")
)

// LocalDelivery hands relayed messages to connections on this instance.
type LocalDelivery interface {
	DeliverBroadcast(roomID string, message realtime.ChatMessage) int
	DeliverToUser(userID string, message realtime.ChatMessage) bool
}

// envelope carries a delivery between instances. InstanceID lets the
// publisher skip its own messages.
type envelope struct {
	InstanceID string               `json:"instance_id"`
	Kind       string               `json:"kind"`
	RoomID     string               `json:"room_id,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	Message    realtime.ChatMessage `json:"message"`
}

// Config configures the redis pub/sub relay.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Logger   *zap.Logger
}

// RedisRelay fans realtime deliveries out to other instances through redis
// pub/sub so rooms and private notices work across a horizontally scaled
// deployment.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger

	mu     sync.RWMutex
	target LocalDelivery
	active bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisRelay(cfg Config) (*RedisRelay, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errMissingAddress
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel:    cfg.Prefix + channelSuffix,
		instanceID: uuid.NewString(),
		logger:     logger.With(zap.String("component", "redis-relay")),
	}, nil
}

// InstanceID identifies this process on the relay channel.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Start subscribes to the relay channel and forwards foreign deliveries to target.
func (r *RedisRelay) Start(ctx context.Context, target LocalDelivery) error {
	if target == nil {
		return errMissingTarget
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}
	listenCtx, cancel := context.WithCancel(ctx)
	sub := r.client.Subscribe(listenCtx, r.channel)
	if _, err := sub.Receive(listenCtx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}

	r.mu.Lock()
	r.target = target
	r.active = true
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.listen(listenCtx, sub)

	r.logger.Info("redis relay started",
		zap.String("instance_id", r.instanceID),
		zap.String("channel", r.channel))
	return nil
}

// Stop unsubscribes and closes the redis connection.
func (r *RedisRelay) Stop() error {
	r.mu.Lock()
	r.active = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return r.client.Close()
}

// Available reports whether the relay is subscribed.
func (r *RedisRelay) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// PublishBroadcast asks other instances to deliver message to their members of roomID.
func (r *RedisRelay) PublishBroadcast(ctx context.Context, roomID string, message realtime.ChatMessage) error {
	return r.publish(ctx, envelope{Kind: kindBroadcast, RoomID: roomID, Message: message})
}

// PublishUnicast asks other instances to deliver message to userID if connected there.
func (r *RedisRelay) PublishUnicast(ctx context.Context, userID string, message realtime.ChatMessage) error {
	return r.publish(ctx, envelope{Kind: kindUnicast, UserID: userID, Message: message})
}

func (r *RedisRelay) publish(ctx context.Context, env envelope) error {
	if !r.Available() {
		return errRelayInactive
	}
	env.InstanceID = r.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) listen(ctx context.Context, sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handlePayload(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// handlePayload decodes an envelope and delivers foreign messages locally.
func (r *RedisRelay) handlePayload(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Error("failed to decode relay message", zap.Error(err))
		return
	}
	if env.InstanceID == r.instanceID {
		return
	}

	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()
	if target == nil {
		return
	}

	switch env.Kind {
	case kindBroadcast:
		delivered := target.DeliverBroadcast(env.RoomID, env.Message)
		r.logger.Debug("relayed room message",
			zap.String("from_instance", env.InstanceID),
			zap.String("room_id", env.RoomID),
			zap.Int("delivered", delivered))
	case kindUnicast:
		delivered := target.DeliverToUser(env.UserID, env.Message)
		r.logger.Debug("relayed private message",
			zap.String("from_instance", env.InstanceID),
			zap.String("user_id", env.UserID),
			zap.Bool("delivered", delivered))
	default:
		r.logger.Warn("unknown relay message kind", zap.String("kind", env.Kind))
	}
}
