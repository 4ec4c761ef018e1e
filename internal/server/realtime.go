package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWriteWait     = 10 * time.Second
	realtimePongWait      = 60 * time.Second
	realtimePingPeriod    = (realtimePongWait * 9) / 10
	realtimeMaxFrameBytes = 64 << 10
)

// realtimeEndpoint upgrades authenticated requests to websockets and pumps
// frames between the socket and the dispatcher.
type realtimeEndpoint struct {
	dispatcher *realtime.Dispatcher
	upgrader   websocket.Upgrader
	ids        realtime.IDProvider
	logger     *zap.Logger
}

func newRealtimeEndpoint(dispatcher *realtime.Dispatcher, origins []string, ids realtime.IDProvider, logger *zap.Logger) *realtimeEndpoint {
	return &realtimeEndpoint{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		ids:    ids,
		logger: logger,
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (e *realtimeEndpoint) handle(c *gin.Context) {
	subject := c.GetString(userIDContextKey)
	connectionID, err := e.ids.NewID()
	if err != nil {
		e.logger.Error("failed to allocate connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "realtime_unavailable"})
		return
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	outbound, err := e.dispatcher.Connect(connectionID, subject)
	if err != nil {
		e.logger.Error("failed to register realtime connection",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writePump(conn, connectionID, outbound)
	}()

	e.readPump(ctx, conn, connectionID)
	e.dispatcher.Disconnect(connectionID)
	<-writerDone
}

func (e *realtimeEndpoint) readPump(ctx context.Context, conn *websocket.Conn, connectionID string) {
	conn.SetReadLimit(realtimeMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				e.logger.Debug("realtime connection read failed",
					zap.String("connection_id", connectionID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		err = e.dispatcher.HandleRaw(ctx, connectionID, data)
		switch {
		case err == nil:
		case errors.Is(err, realtime.ErrCloseRequested):
			return
		case errors.Is(err, realtime.ErrMalformedEvent), errors.Is(err, realtime.ErrNotRoomMember):
			e.logger.Debug("realtime event dropped",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		default:
			e.logger.Warn("realtime event failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
	}
}

// writePump is the only writer of data frames on conn. It exits when the
// outbound queue is closed by Disconnect or a write fails.
func (e *realtimeEndpoint) writePump(conn *websocket.Conn, connectionID string, outbound <-chan realtime.ChatMessage) {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(realtime.NewOutboundEnvelope(message)); err != nil {
				e.logger.Debug("realtime write failed",
					zap.String("connection_id", connectionID),
					zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
